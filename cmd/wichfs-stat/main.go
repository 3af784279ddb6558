// Command wichfs-stat is a read-only inspector for wichfs volume images:
// it prints the spec §4.H stats surface and can dump a small file's
// backing sliced block for debugging. It deliberately does not format or
// repair volumes (mkfs is out of the core's scope, spec §1).
//
// Grounded on the teacher's cmd/main.go, which wires urfave/cli/v2 the
// same way: one *cli.App, one Command per verb, stdlib log.Fatalf on
// top-level failure.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wichfs/wichfs"
	"github.com/wichfs/wichfs/device"
)

func main() {
	app := &cli.App{
		Name:  "wichfs-stat",
		Usage: "Inspect a wichfs volume image (read-only)",
		Commands: []*cli.Command{
			{
				Name:      "stats",
				Usage:     "Print the spec stats surface as CSV",
				ArgsUsage: "IMAGE_FILE",
				Action:    statsCommand,
			},
			{
				Name:      "dump-sliced-block",
				Usage:     "Dump the sliced block backing a small file's inode, as hex",
				ArgsUsage: "IMAGE_FILE INODE_NUMBER",
				Action:    dumpSlicedBlockCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("wichfs-stat: %s", err.Error())
	}
}

func mountImage(path string) (*wichfs.Filesystem, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	dev := device.NewMemDeviceFromImage(image)
	return wichfs.Mount(dev, time.Now)
}

func statsCommand(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: wichfs-stat stats IMAGE_FILE")
	}

	fs, err := mountImage(c.Args().Get(0))
	if err != nil {
		return err
	}

	csvText, err := fs.StatsCSV()
	if err != nil {
		return fmt.Errorf("rendering stats: %w", err)
	}
	fmt.Print(csvText)
	return nil
}

func dumpSlicedBlockCommand(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: wichfs-stat dump-sliced-block IMAGE_FILE INODE_NUMBER")
	}

	fs, err := mountImage(c.Args().Get(0))
	if err != nil {
		return err
	}

	ino, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid inode number: %w", err)
	}

	in, err := fs.IGet(uint32(ino))
	if err != nil {
		return fmt.Errorf("loading inode %d: %w", ino, err)
	}

	block, err := fs.ReadSlicedBlock(in)
	if err != nil {
		return fmt.Errorf("reading sliced block: %w", err)
	}

	for offset := 0; offset < len(block); offset += 16 {
		end := offset + 16
		if end > len(block) {
			end = len(block)
		}
		fmt.Printf("%04x  % x\n", offset, block[offset:end])
	}
	return nil
}
