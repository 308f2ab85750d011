//go:build windows

package symbolizer

// NewPlatformResolver returns the export-table directory: mod libraries loaded
// through an intermediary DLL are invisible to GetProcAddress-by-name lookups.
func NewPlatformResolver(opts Options) Resolver {
	if opts.Locator == nil {
		opts.Locator = LoaderLocator{}
	}
	return NewDirectory(opts)
}
