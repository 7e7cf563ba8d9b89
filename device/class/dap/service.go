package dap

// Executor runs one request packet and writes its response. It returns
// the number of response bytes written, at most len(response).
type Executor interface {
	Execute(request, response []byte) int
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(request, response []byte) int

// Execute calls f.
func (f ExecutorFunc) Execute(request, response []byte) int {
	return f(request, response)
}

// Service executes at most one queued request. It returns false when no
// complete request is ready or when no response slot is free; in the
// latter case the request stays queued for a later call. A request
// acquired across a bus reset is dropped unexecuted.
func (i *Interface) Service(exec Executor) bool {
	req, ok := i.AcquireRequest()
	if !ok {
		return false
	}
	rsp, ok := i.AcquireResponse()
	if !ok {
		return false
	}
	if i.reqEpoch != i.rspEpoch {
		// A bus reset landed between the two acquires; both slots are gone.
		return true
	}
	n := exec.Execute(req, rsp)
	i.ReleaseRequest()
	i.ReleaseResponse(n)
	return true
}

// ServiceAll executes queued requests until none is ready or the
// response ring fills. It returns the number executed.
func (i *Interface) ServiceAll(exec Executor) int {
	n := 0
	for i.Service(exec) {
		n++
	}
	return n
}
