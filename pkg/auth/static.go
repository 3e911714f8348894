package auth

import (
	"context"
	"maps"
)

// StaticSource serves a fixed cookie map, typically from config.
type StaticSource struct {
	cookies map[string]string
}

// NewStaticSource creates a cookie source from a fixed map.
func NewStaticSource(cookies map[string]string) *StaticSource {
	return &StaticSource{cookies: cookies}
}

// Cookies returns a copy of the fixed map.
func (s *StaticSource) Cookies(_ context.Context) (map[string]string, error) {
	if len(s.cookies) == 0 {
		return nil, nil //nolint:nilnil // empty static source is not an error
	}
	return maps.Clone(s.cookies), nil
}
