package server

import (
	"sync"
	"testing"
)

func TestSetSuppressViewed_ConcurrentWithReaders(t *testing.T) {
	s := &Server{}
	s.suppressViewed.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(on bool) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.SetSuppressViewed(on)
			}
		}(i%2 == 0)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = s.suppressViewed.Load()
			}
		}()
	}
	wg.Wait()
}
