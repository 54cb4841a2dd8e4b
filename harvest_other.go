//go:build !linux

package oob

import "errors"

type harvester struct{}

func newHarvester(l *listener) (*harvester, error) {
	return nil, errors.New("bootstrap accept loop needs linux")
}

func (h *harvester) run()  {}
func (h *harvester) stop() {}
