package main

import (
	"fmt"
	"strconv"
	"strings"
)

// size is one entry of a resize schedule.
type size struct {
	width, height int
}

// parseSchedule parses "WxH,WxH,...". An empty string is an empty schedule.
func parseSchedule(s string) ([]size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	sizes := make([]size, 0, len(parts))
	for _, part := range parts {
		w, h, ok := strings.Cut(strings.TrimSpace(part), "x")
		if !ok {
			return nil, fmt.Errorf("size %q is not WxH", part)
		}
		width, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("size %q: width: %w", part, err)
		}
		height, err := strconv.Atoi(h)
		if err != nil {
			return nil, fmt.Errorf("size %q: height: %w", part, err)
		}
		if width <= 0 || height <= 0 {
			return nil, fmt.Errorf("size %q must be positive", part)
		}
		sizes = append(sizes, size{width, height})
	}
	return sizes, nil
}
