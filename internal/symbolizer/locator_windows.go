//go:build windows

package symbolizer

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/windows"
)

// LoaderLocator asks the OS loader for the anchor address. The module handle is
// released before returning; the host keeps the library loaded.
type LoaderLocator struct{}

func (LoaderLocator) Locate(path string, anchor string, rva uint32) (uint64, error) {
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, fmt.Errorf("LoadLibrary %s: %w", path, err)
	}
	defer windows.FreeLibrary(h)

	addr, err := windows.GetProcAddress(h, anchor)
	if err != nil {
		return 0, fmt.Errorf("GetProcAddress %s: %w", anchor, err)
	}
	slog.Debug("Located anchor through OS loader", "anchor", anchor, "addr", uint64(addr))
	return uint64(addr), nil
}
