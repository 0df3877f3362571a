//go:build !linux

package layers

import (
	"archive/tar"
	"fmt"
)

func makeNode(target string, header *tar.Header) error {
	return fmt.Errorf("device nodes are not supported on this platform: %s", header.Name)
}
