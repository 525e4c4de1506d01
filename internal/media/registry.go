package media

import (
	"fmt"
	"sort"
	"strings"
)

// DecoderFactory builds a VideoDecoder.
type DecoderFactory func() (VideoDecoder, error)

var decoders = map[string]DecoderFactory{}

// RegisterDecoder adds a backend by name. Backends register from init.
func RegisterDecoder(name string, f DecoderFactory) {
	decoders[strings.ToLower(name)] = f
}

func NewVideoDecoder(name string) (VideoDecoder, error) {
	if name == "" {
		name = "ffmpeg"
	}
	f, ok := decoders[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown video decoder %q (available: %s)", name, strings.Join(Decoders(), ", "))
	}
	return f()
}

// Decoders lists the registered backend names.
func Decoders() []string {
	names := make([]string, 0, len(decoders))
	for n := range decoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
