package disk

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/layers"
)

const (
	// bootCodeSize is the boot code area of the MBR; the partition table
	// after it is left untouched
	bootCodeSize = 440

	partitionScript = "type=83,bootable\n"
	defaultSector   = 512
)

// assemblySlot serializes assembly within the process. Loop devices and
// mount points are exclusive host resources.
var assemblySlot = make(chan struct{}, 1)

// Request describes one disk image to assemble
type Request struct {
	// Layers are applied in order, bottom to top
	Layers   []string
	LayerDir string
	// Bootloader is the path of the boot code inside the image filesystem
	Bootloader  string
	Destination string
}

// Assembler turns stored layers into a partitioned, bootable raw disk image
type Assembler struct {
	runner  Runner
	reserve int64
	tempDir string
	log     *logrus.Entry
}

// NewAssembler creates an assembler. reserve is added on top of twice the
// staged content size.
func NewAssembler(runner Runner, reserve int64, log *logrus.Entry) *Assembler {
	return &Assembler{
		runner:  runner,
		reserve: reserve,
		log:     log,
	}
}

// SetTempDir sets the parent directory of staging and mount directories
func (a *Assembler) SetTempDir(dir string) {
	a.tempDir = dir
}

// Assemble builds req.Destination and returns its size in bytes. Any existing
// file at the destination is replaced. Resources are released in reverse
// order of acquisition on every exit path; a teardown failure is reported
// together with the error that triggered it.
func (a *Assembler) Assemble(req Request) (size uint64, err error) {
	assemblySlot <- struct{}{}
	defer func() { <-assemblySlot }()

	log := a.log.WithField("destination", req.Destination)
	cleanup := errors.NewCleanupStack()
	defer func() {
		teardown := cleanup.Unwind()
		if err != nil {
			err = errors.WithTeardown(err, teardown)
			return
		}
		if teardown != nil {
			log.WithError(teardown).Warn("failed to remove temporary directories")
		}
	}()

	// STAGE
	stage, err := a.tempDirectory(cleanup, "stage")
	if err != nil {
		return 0, err
	}
	// cp -a carries the stage's own mode onto the filesystem root
	if err := os.Chmod(stage, 0755); err != nil {
		return 0, errors.NewIOError("stage", "failed to set staging directory mode", err)
	}
	if err := layers.Unpack(req.LayerDir, req.Layers, stage, log); err != nil {
		return 0, err
	}
	staged, err := StagedSize(stage)
	if err != nil {
		return 0, err
	}
	if staged == 0 {
		return 0, errors.NewResourceError(errors.KindEmptyImage, "stage", "image has no content", nil)
	}

	// SIZE
	size = ImageSize(staged, a.reserve)
	log.WithFields(logrus.Fields{
		"staged": units.BytesSize(float64(staged)),
		"image":  units.BytesSize(float64(size)),
	}).Info("staged image content")

	// ALLOCATE
	if err := a.allocate(req.Destination, size/BlockSize); err != nil {
		return 0, err
	}

	// PARTITION
	offset, err := a.partition(req.Destination)
	if err != nil {
		return 0, err
	}

	// ATTACH
	device, err := a.run("attach", "losetup", "--find", "--show", req.Destination)
	if err != nil {
		return 0, err
	}
	device = strings.TrimSpace(device)
	detach := cleanup.Push(a.detachAction(device))

	// OFFSET-FORMAT
	if err := detach(); err != nil {
		return 0, err
	}
	if _, err := a.run("attach_partition", "losetup", "-o", strconv.FormatInt(offset, 10), device, req.Destination); err != nil {
		return 0, err
	}
	detach = cleanup.Push(a.detachAction(device))
	if _, err := a.run("format", "mkfs.ext4", "-q", device); err != nil {
		return 0, err
	}

	// MOUNT
	mountPoint, err := a.mountDirectory(cleanup)
	if err != nil {
		return 0, err
	}
	if _, err := a.run("mount", "mount", "-t", "ext4", device, mountPoint); err != nil {
		return 0, err
	}
	unmount := cleanup.Push(errors.CleanupFunc("unmount "+mountPoint, func() error {
		_, err := a.run("unmount", "umount", mountPoint)
		return err
	}))

	// COPY
	if _, err := a.run("copy", "cp", "-a", stage+"/.", mountPoint+"/"); err != nil {
		return 0, err
	}

	// EXTRACT-BOOTLOADER
	bootDir, err := a.tempDirectory(cleanup, "boot")
	if err != nil {
		return 0, err
	}
	bootCode := filepath.Join(bootDir, "bootloader")
	if err := extractBootloader(mountPoint, req.Bootloader, bootCode); err != nil {
		return 0, err
	}

	// UNMOUNT
	if err := unmount(); err != nil {
		return 0, err
	}

	// DETACH
	if err := detach(); err != nil {
		return 0, err
	}

	// BURN
	if _, err := a.run("burn_bootloader", "dd", "if="+bootCode, "of="+req.Destination,
		fmt.Sprintf("bs=%d", bootCodeSize), "count=1", "conv=notrunc"); err != nil {
		return 0, err
	}

	log.WithField("size", size).Info("disk image assembled")
	return size, nil
}

func (a *Assembler) allocate(dst string, blocks uint64) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("allocate", "failed to remove existing image "+dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.NewIOError("allocate", "failed to create image directory", err)
	}

	_, err := a.run("allocate", "dd", "if=/dev/zero", "of="+dst,
		fmt.Sprintf("bs=%d", BlockSize), "count=0", fmt.Sprintf("seek=%d", blocks))
	return err
}

// partition writes a single bootable Linux partition spanning the file and
// returns the partition's byte offset
func (a *Assembler) partition(dst string) (int64, error) {
	if _, err := a.runCommand("partition", Command{
		Name:  "sfdisk",
		Args:  []string{dst},
		Stdin: partitionScript,
	}); err != nil {
		return 0, err
	}

	out, err := a.run("partition", "sfdisk", "--json", dst)
	if err != nil {
		return 0, err
	}
	return partitionOffset(out)
}

type sfdiskDump struct {
	PartitionTable struct {
		SectorSize int64 `json:"sectorsize"`
		Partitions []struct {
			Node  string `json:"node"`
			Start int64  `json:"start"`
		} `json:"partitions"`
	} `json:"partitiontable"`
}

func partitionOffset(dump string) (int64, error) {
	var table sfdiskDump
	if err := json.Unmarshal([]byte(dump), &table); err != nil {
		return 0, errors.NewResourceError(errors.KindCommandFailed, "partition", "failed to parse partition table", err)
	}
	if len(table.PartitionTable.Partitions) == 0 {
		return 0, errors.NewResourceError(errors.KindCommandFailed, "partition", "partition table has no partitions", nil)
	}

	sector := table.PartitionTable.SectorSize
	if sector == 0 {
		sector = defaultSector
	}
	return table.PartitionTable.Partitions[0].Start * sector, nil
}

func (a *Assembler) detachAction(device string) errors.CleanupAction {
	return errors.CleanupFunc("detach "+device, func() error {
		_, err := a.run("detach", "losetup", "-d", device)
		return err
	})
}

func (a *Assembler) tempDirectory(cleanup *errors.CleanupStack, purpose string) (string, error) {
	dir, err := os.MkdirTemp(a.tempDir, "ocidisk-"+purpose+"-")
	if err != nil {
		return "", errors.NewIOError(purpose, "failed to create temporary directory", err)
	}
	cleanup.Push(errors.NewTempDirCleanupAction(dir))
	return dir, nil
}

// mountDirectory creates the mount point. It is removed without recursion so
// a failed unmount never deletes through the mounted filesystem.
func (a *Assembler) mountDirectory(cleanup *errors.CleanupStack) (string, error) {
	dir, err := os.MkdirTemp(a.tempDir, "ocidisk-mnt-")
	if err != nil {
		return "", errors.NewIOError("mount", "failed to create mount point", err)
	}
	cleanup.Push(errors.NewMountPointCleanupAction(dir))
	return dir, nil
}

func (a *Assembler) run(operation, name string, args ...string) (string, error) {
	return a.runCommand(operation, Command{Name: name, Args: args})
}

func (a *Assembler) runCommand(operation string, cmd Command) (string, error) {
	a.log.WithFields(logrus.Fields{
		"step":    operation,
		"command": cmd.String(),
	}).Debug("running")

	out, err := a.runner.Run(cmd)
	if err != nil {
		if buildErr, ok := err.(*errors.BuildError); ok {
			clone := *buildErr
			clone.Operation = operation
			return out, &clone
		}
		return out, errors.NewCommandError(operation, &errors.CommandOutput{Args: cmd.Argv(), ExitCode: -1}, err)
	}
	return out, nil
}

// extractBootloader copies the boot code at bootloader, relative to the
// mounted root, to dst. The path cannot leave the mount point.
func extractBootloader(root, bootloader, dst string) error {
	src, err := securejoin.SecureJoin(root, strings.TrimPrefix(bootloader, "/"))
	if err != nil {
		return errors.NewResourceError(errors.KindNotFound, "extract_bootloader", "invalid bootloader path "+bootloader, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.NewResourceError(errors.KindNotFound, "extract_bootloader",
			fmt.Sprintf("bootloader %s not found in image", bootloader), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.NewIOError("extract_bootloader", "failed to create bootloader copy", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.NewIOError("extract_bootloader", "failed to copy bootloader", err)
	}
	return out.Close()
}
