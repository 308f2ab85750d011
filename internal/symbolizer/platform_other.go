//go:build !windows

package symbolizer

// NewPlatformResolver returns the native pass-through resolver, or with
// opts.Manual a directory anchored through /proc/self/maps.
func NewPlatformResolver(opts Options) Resolver {
	maps := &procMaps{mapReader: NewSelfMapsReader()}
	if opts.Manual {
		if opts.Locator == nil {
			opts.Locator = NewMapsLocator(maps)
		}
		return NewDirectory(opts)
	}
	return NewNativeResolver(maps, opts)
}
