// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package stats // import "github.com/plasma-umass/scalene-core/stats"

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/plasma-umass/scalene-core/libpf"
	"github.com/plasma-umass/scalene-core/reservoir"
	"github.com/plasma-umass/scalene-core/runningstats"
)

// Encode serializes the store as gzip-compressed JSON, the payload format of
// cross-process artifact files.
func (s *Store) Encode() ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode statistics payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish statistics payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reconstructs a store from an Encode payload.
func Decode(data []byte) (*Store, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open statistics payload: %w", err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics payload: %w", err)
	}
	s := &Store{}
	if err = json.Unmarshal(payload, s); err != nil {
		return nil, fmt.Errorf("failed to decode statistics payload: %w", err)
	}
	s.repair()
	return s, nil
}

// repair re-establishes the unexported invariants JSON does not carry and
// tolerates payloads from older writers with absent maps.
func (s *Store) repair() {
	if s.FootprintTimeline == nil {
		timeline, err := reservoir.New(reservoir.DefaultCapacity)
		if err != nil {
			panic(err)
		}
		s.FootprintTimeline = timeline
	}
	s.reservoirCapacity = s.FootprintTimeline.Capacity()
	s.startTime = time.Now()

	if s.CPUSamplesInterpreted == nil {
		s.CPUSamplesInterpreted = lineMap[float64]{}
	}
	if s.CPUSamplesNative == nil {
		s.CPUSamplesNative = lineMap[float64]{}
	}
	if s.CPUSamplesTotal == nil {
		s.CPUSamplesTotal = map[string]float64{}
	}
	if s.CPUUtilization == nil {
		s.CPUUtilization = lineMap[*runningstats.Stats]{}
	}
	if s.CoreUtilization == nil {
		s.CoreUtilization = lineMap[*runningstats.Stats]{}
	}
	if s.GPUSamples == nil {
		s.GPUSamples = lineMap[float64]{}
	}
	if s.GPUMemSamples == nil {
		s.GPUMemSamples = lineMap[*runningstats.Stats]{}
	}
	if s.MallocVolumeMB == nil {
		s.MallocVolumeMB = siteMap[float64]{}
	}
	if s.MallocInterpretedVolumeMB == nil {
		s.MallocInterpretedVolumeMB = siteMap[float64]{}
	}
	if s.FreeVolumeMB == nil {
		s.FreeVolumeMB = siteMap[float64]{}
	}
	if s.FreeCount == nil {
		s.FreeCount = siteMap[uint64]{}
	}
	if s.MemcpyVolumeMB == nil {
		s.MemcpyVolumeMB = siteMap[float64]{}
	}
	if s.MemoryCurrentFootprintMB == nil {
		s.MemoryCurrentFootprintMB = lineMap[float64]{}
	}
	if s.MemoryPeakFootprintMB == nil {
		s.MemoryPeakFootprintMB = lineMap[float64]{}
	}
	if s.MemoryAggregateFootprintMB == nil {
		s.MemoryAggregateFootprintMB = lineMap[float64]{}
	}
	if s.LeakScores == nil {
		s.LeakScores = lineMap[LeakScore]{}
	}
	if s.PerLineTimeline == nil {
		s.PerLineTimeline = lineMap[*reservoir.Reservoir]{}
	}
	if s.ByteOffsetIndex == nil {
		s.ByteOffsetIndex = lineMap[libpf.Set[int]]{}
	}
}
