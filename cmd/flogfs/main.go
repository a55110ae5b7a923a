// Command flogfs manipulates flash filesystem images.
package main

import (
	"io"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mit-pdos/flogfs/flash"
	"github.com/mit-pdos/flogfs/flog"
)

type config struct {
	Image string `default:"flogfs.img"`
	Debug uint64 `default:"0"`
}

var cfg config

func openFS(mount bool) (*flog.FS, error) {
	dev, err := flash.NewFileFlash(cfg.Image)
	if err != nil {
		return nil, err
	}
	fs := flog.New(dev)
	if err := fs.Init(); err != nil {
		return nil, err
	}
	if mount {
		if err := fs.Mount(); err != nil {
			return nil, errors.Wrapf(err, "mount %s", cfg.Image)
		}
	}
	return fs, nil
}

func cmdFormat(c *cli.Context) error {
	fs, err := openFS(false)
	if err != nil {
		return err
	}
	if err := fs.Format(); err != nil {
		return err
	}
	logrus.Infof("formatted %s", cfg.Image)
	return nil
}

func cmdLs(c *cli.Context) error {
	fs, err := openFS(true)
	if err != nil {
		return err
	}
	ls, err := fs.StartLs()
	if err != nil {
		return err
	}
	defer ls.Stop()
	for {
		name, ok := ls.Next()
		if !ok {
			return nil
		}
		if _, err := os.Stdout.WriteString(name + "\n"); err != nil {
			return err
		}
	}
}

func cmdPut(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: put <src> <name>")
	}
	src, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer src.Close()

	fs, err := openFS(true)
	if err != nil {
		return err
	}
	f, err := fs.OpenWrite(c.Args().Get(1))
	if err != nil {
		return err
	}
	n, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logrus.Infof("wrote %d bytes to %q", n, c.Args().Get(1))
	return nil
}

func cmdCat(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: cat <name>")
	}
	fs, err := openFS(true)
	if err != nil {
		return err
	}
	f, err := fs.OpenRead(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

func cmdRm(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: rm <name>")
	}
	fs, err := openFS(true)
	if err != nil {
		return err
	}
	return fs.Remove(c.Args().Get(0))
}

func cmdStat(c *cli.Context) error {
	fs, err := openFS(true)
	if err != nil {
		return err
	}
	st := fs.SizeStats()
	logrus.Infof("files: %d", st.NumFiles)
	logrus.Infof("free blocks: %d", st.NumFreeBlocks)
	logrus.Infof("mean block age: %d", st.MeanBlockAge)
	return nil
}

func main() {
	if err := envconfig.Process("flogfs", &cfg); err != nil {
		logrus.Fatal(err)
	}
	app := &cli.App{
		Name:  "flogfs",
		Usage: "manipulate flash filesystem images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "image",
				Usage:       "path to the flash image",
				Value:       cfg.Image,
				Destination: &cfg.Image,
			},
		},
		Commands: []*cli.Command{
			{Name: "format", Usage: "erase the image and install an empty filesystem", Action: cmdFormat},
			{Name: "ls", Usage: "list files", Action: cmdLs},
			{Name: "put", Usage: "copy a host file into the image", Action: cmdPut},
			{Name: "cat", Usage: "write a stored file to stdout", Action: cmdCat},
			{Name: "rm", Usage: "delete a file", Action: cmdRm},
			{Name: "stat", Usage: "show occupancy", Action: cmdStat},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
