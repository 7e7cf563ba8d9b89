// Package usbid names USB vendors and products from the usb.ids database
// shipped with usbutils. Probe listings use it when a device reports no
// string descriptors.
package usbid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Known probe identifiers that predate or are missing from older
// databases.
var builtin = map[uint32]string{
	0x0D280204: "DAPLink CMSIS-DAP",
	0xC2514F00: "MCU-Link CMSIS-DAP",
}

// Database maps vendor and product ids to names. The zero value is an
// empty database; lookups fall back to the built-in probe names.
type Database struct {
	mutex    sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string
}

func key(vid, pid uint16) uint32 {
	return uint32(vid)<<16 | uint32(pid)
}

// Load reads the first database found among paths, or DefaultPaths if
// none are given. It returns an empty database if no file exists.
func Load(paths ...string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	db := &Database{}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		db.Parse(f)
		f.Close()
		break
	}
	return db
}

// Parse adds the vendor and product lines of r to the database.
// Vendor lines are "vvvv  name"; product lines follow their vendor as
// "\tpppp  name". Class and language sections end the vendor list.
func (db *Database) Parse(r io.Reader) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	if db.vendors == nil {
		db.vendors = make(map[uint16]string)
		db.products = make(map[uint32]string)
	}

	var vid uint16
	inVendor := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[key(vid, id)] = name
			}
			continue
		}
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
}

// entry splits "xxxx  name".
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

// Vendor returns the vendor name, or "" if unknown.
func (db *Database) Vendor(vid uint16) string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.vendors[vid]
}

// Product returns the product name, or "" if unknown.
func (db *Database) Product(vid, pid uint16) string {
	db.mutex.RLock()
	name := db.products[key(vid, pid)]
	db.mutex.RUnlock()
	if name == "" {
		name = builtin[key(vid, pid)]
	}
	return name
}

// Len returns the number of vendors and products known.
func (db *Database) Len() (vendors, products int) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.vendors), len(db.products)
}
