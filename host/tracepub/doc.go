// Package tracepub forwards SWO trace bytes read from a probe to
// network subscribers. Every publisher is an io.Writer so it can be
// handed directly to dapclient.Client.StreamSWO.
package tracepub
