//go:build linux

package layers

import (
	"archive/tar"

	"golang.org/x/sys/unix"
)

func makeNode(target string, header *tar.Header) error {
	mode := uint32(header.Mode & 07777)
	switch header.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	case tar.TypeFifo:
		return unix.Mkfifo(target, mode)
	}

	dev := unix.Mkdev(uint32(header.Devmajor), uint32(header.Devminor))
	return unix.Mknod(target, mode, int(dev))
}
