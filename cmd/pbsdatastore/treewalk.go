package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/proxmox-backup/datastore/pxar"
)

// buildTree walks a real directory and builds the in-memory pxar.Node
// tree Encode expects. Building an archive from a live filesystem is
// explicitly out of the pxar package's own scope (its Node doc
// comment calls this "external, not core"), so the walk lives here at
// the CLI layer instead.
func buildTree(root string) (*pxar.Node, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}
	return buildNode(root, info)
}

func buildNode(path string, info os.FileInfo) (*pxar.Node, error) {
	entry := pxar.Entry{
		Mode:       uint64(info.Mode().Perm()),
		MtimeNanos: info.ModTime().UnixNano(),
	}
	switch {
	case info.Mode().IsDir():
		entry.Mode |= pxar.ModeDir
	case info.Mode().IsRegular():
		entry.Mode |= pxar.ModeReg
	case info.Mode()&os.ModeSymlink != 0:
		entry.Mode |= pxar.ModeLnk
	default:
		return nil, fmt.Errorf("%s: unsupported file type %v", path, info.Mode())
	}

	n := &pxar.Node{Entry: entry}

	switch {
	case info.Mode().IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		sort.Strings(names)
		for _, name := range names {
			childPath := filepath.Join(path, name)
			childInfo, err := os.Lstat(childPath)
			if err != nil {
				return nil, err
			}
			child, err := buildNode(childPath, childInfo)
			if err != nil {
				return nil, err
			}
			child.Name = name
			n.Children = append(n.Children, child)
		}
	case info.Mode().IsRegular():
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		n.Payload = data
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		n.SymlinkTarget = target
	}
	return n, nil
}
