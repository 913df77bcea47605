package proxy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/tomwhite/lithops/internal/protocol"
)

// ModuleLister enumerates the modules installed in the runtime.
type ModuleLister interface {
	Modules() ([]protocol.Module, error)
}

// DirLister lists importable modules found directly under each search path.
// A directory holding __init__.py is a package. A .py file or a compiled
// extension (.so, .pyd) is a module named up to its first dot.
type DirLister struct {
	Paths []string
}

// Modules satisfies ModuleLister. Missing search paths are skipped.
func (l DirLister) Modules() ([]protocol.Module, error) {
	var mods []protocol.Module
	for _, root := range l.Paths {
		if root == "" {
			continue
		}
		entries, err := os.ReadDir(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list modules in %s: %w", root, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			switch {
			case entry.IsDir():
				if _, err := os.Stat(filepath.Join(root, name, "__init__.py")); err == nil {
					mods = append(mods, protocol.Module{Name: name, IsPackage: true})
				}
			case strings.HasSuffix(name, ".py") && name != "__init__.py":
				mods = append(mods, protocol.Module{Name: strings.TrimSuffix(name, ".py")})
			case strings.HasSuffix(name, ".so") || strings.HasSuffix(name, ".pyd"):
				if base, _, _ := strings.Cut(name, "."); base != "" {
					mods = append(mods, protocol.Module{Name: base})
				}
			}
		}
	}
	return mods, nil
}

// BuildInfoLister reports the modules linked into this binary.
type BuildInfoLister struct{}

// Modules satisfies ModuleLister.
func (BuildInfoLister) Modules() ([]protocol.Module, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("build information unavailable")
	}
	mods := make([]protocol.Module, 0, len(info.Deps)+1)
	if info.Main.Path != "" {
		mods = append(mods, protocol.Module{Name: info.Main.Path, IsPackage: true})
	}
	for _, dep := range info.Deps {
		mods = append(mods, protocol.Module{Name: dep.Path, IsPackage: true})
	}
	return mods, nil
}

// MultiLister merges several listers. The result is sorted by name with
// duplicates removed.
type MultiLister []ModuleLister

// Modules satisfies ModuleLister.
func (m MultiLister) Modules() ([]protocol.Module, error) {
	seen := make(map[protocol.Module]struct{})
	var mods []protocol.Module
	for _, lister := range m {
		found, err := lister.Modules()
		if err != nil {
			return nil, err
		}
		for _, mod := range found {
			if _, ok := seen[mod]; ok {
				continue
			}
			seen[mod] = struct{}{}
			mods = append(mods, mod)
		}
	}
	sort.Slice(mods, func(i, j int) bool {
		if mods[i].Name != mods[j].Name {
			return mods[i].Name < mods[j].Name
		}
		return !mods[i].IsPackage && mods[j].IsPackage
	})
	return mods, nil
}
