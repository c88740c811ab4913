package decode

import (
	"fmt"
	"slices"
)

// Swap hot-swaps to another compiled variant. Growing the cache keeps the
// history; shrinking it is only allowed on an empty sequence.
func (s *State) Swap(width, cacheLength int) error {
	if width == s.width && cacheLength == s.cacheLength {
		return nil
	}
	if !slices.Contains(s.cfg.Variants, Variant{width, cacheLength}) {
		return fmt.Errorf("decode: no variant with step width %d and cache length %d", width, cacheLength)
	}
	stores := s.stores()
	switch {
	case cacheLength < s.cacheLength:
		if s.confirmed > 0 {
			return fmt.Errorf("decode: cannot shrink cache from %d to %d with %d tokens confirmed, reset first", s.cacheLength, cacheLength, s.confirmed)
		}
		for _, c := range stores {
			if err := c.Shrink(cacheLength); err != nil {
				return err
			}
		}
	case cacheLength > s.cacheLength:
		for _, c := range stores {
			if err := c.ReorderTo(cacheLength); err != nil {
				return err
			}
		}
	}
	if width != s.width && s.tree != nil {
		s.log.Debug("dropping tree attention on width change", "from", s.width, "to", width)
		s.ClearTree()
	}
	if err := s.mask.Resize(width, cacheLength); err != nil {
		return err
	}
	s.log.Debug("variant swap",
		"width", fmt.Sprintf("%d->%d", s.width, width),
		"cache_length", fmt.Sprintf("%d->%d", s.cacheLength, cacheLength),
		"confirmed", s.confirmed,
	)
	s.width = width
	s.cacheLength = cacheLength
	if need := s.pos.SizeBytes(width); cap(s.posBuf) >= need {
		s.posBuf = s.posBuf[:need]
	} else {
		s.posBuf = make([]byte, need)
	}
	s.stats.Swaps++
	return nil
}

// SetWidth swaps to a variant of the given step width, keeping the current
// cache length when one is compiled and growing it otherwise.
func (s *State) SetWidth(width int) error {
	if width == s.width {
		return nil
	}
	lengths := s.cfg.CacheLengths(width)
	if len(lengths) == 0 {
		return fmt.Errorf("decode: no variant with step width %d", width)
	}
	target := 0
	for _, l := range lengths {
		if l >= s.cacheLength {
			target = l
			break
		}
	}
	if target == 0 {
		// Every length is shorter; Swap refuses unless the sequence is empty.
		target = lengths[len(lengths)-1]
	}
	return s.Swap(width, target)
}

// AdvanceCacheSize grows the cache to the next compiled length that fits
// the next step. It reports whether a swap happened.
func (s *State) AdvanceCacheSize() (bool, error) {
	next := s.nextCacheSize(s.width)
	if next <= s.cacheLength {
		return false, nil
	}
	if err := s.Swap(s.width, next); err != nil {
		return false, err
	}
	s.log.Info("advanced cache size", "cache_length", next, "confirmed", s.confirmed)
	return true, nil
}

// nextCacheSize picks a cache length for width: the smallest compiled one
// when every length is below the current one, otherwise the first length
// above the current one that fits the next step, otherwise the current one.
func (s *State) nextCacheSize(width int) int {
	lengths := s.cfg.CacheLengths(width)
	if len(lengths) == 0 {
		return s.cacheLength
	}
	if lengths[len(lengths)-1] < s.cacheLength {
		return lengths[0]
	}
	for _, l := range lengths {
		if l > s.cacheLength && l >= s.confirmed+width {
			return l
		}
	}
	if slices.Contains(lengths, s.cacheLength) {
		return s.cacheLength
	}
	// The current length is not compiled for width; take the smallest one
	// that does not lose history.
	for _, l := range lengths {
		if l >= s.cacheLength {
			return l
		}
	}
	return s.cacheLength
}
