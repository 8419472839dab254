// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package report // import "github.com/plasma-umass/scalene-core/report"

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/plasma-umass/scalene-core/libpf"
	"github.com/plasma-umass/scalene-core/stats"
)

// artifactEnvelope wraps a child's encoded statistics with enough identity
// for the parent to reject artifacts from other sessions. The inner payload
// is the store's own wire format.
type artifactEnvelope struct {
	SessionID uuid.UUID `json:"session_id"`
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}

// ArtifactPath is where a child with childPID under parentPID leaves its
// statistics for the parent to collect.
func ArtifactPath(dir string, parentPID, childPID int) string {
	return filepath.Join(dir, fmt.Sprintf("scalene-%d-%d.json.gz", parentPID, childPID))
}

// WriteArtifact writes s as an artifact file for the given (parent, child)
// pid pair. The file is written to a temp name first and renamed into place
// so the parent never reads a partial artifact.
func WriteArtifact(dir string, sessionID uuid.UUID, parentPID, childPID int,
	s *stats.Store) (string, error) {
	payload, err := s.Encode()
	if err != nil {
		return "", err
	}
	env := artifactEnvelope{
		SessionID: sessionID,
		PID:       childPID,
		ParentPID: parentPID,
		CreatedAt: time.Now(),
		Payload:   payload,
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err = json.NewEncoder(zw).Encode(&env); err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err = zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish artifact: %w", err)
	}

	path := ArtifactPath(dir, parentPID, childPID)
	tmp, err := libpf.WriteTempFile(buf.Bytes(), dir, ".scalene-artifact-*")
	if err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}
	return path, nil
}

// readArtifact decodes one artifact file.
func readArtifact(path string) (*artifactEnvelope, *stats.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open artifact %s: %w", path, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	env := &artifactEnvelope{}
	if err = json.Unmarshal(data, env); err != nil {
		return nil, nil, fmt.Errorf("failed to decode artifact %s: %w", path, err)
	}
	s, err := stats.Decode(env.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode artifact %s: %w", path, err)
	}
	return env, s, nil
}

// MergeChildArtifacts folds every artifact that children of parentPID left in
// dir into the given store and deletes the files. Artifacts from a different
// session are deleted without merging; unreadable files are skipped and left
// in place. Returns the number of artifacts merged.
func MergeChildArtifacts(dir string, sessionID uuid.UUID, parentPID int,
	into *stats.Store) (int, error) {
	pattern := filepath.Join(dir, fmt.Sprintf("scalene-%d-*.json.gz", parentPID))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts: %w", err)
	}

	merged := 0
	var errs []error
	for _, path := range paths {
		env, childStats, err := readArtifact(path)
		if err != nil {
			log.Warnf("Skipping unreadable artifact %s: %v", path, err)
			errs = append(errs, err)
			continue
		}
		if env.SessionID != sessionID {
			log.Debugf("Discarding stale artifact %s from session %s",
				path, env.SessionID)
			if err = os.Remove(path); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		into.Merge(childStats)
		merged++
		if err = os.Remove(path); err != nil {
			errs = append(errs, err)
		}
	}
	return merged, errors.Join(errs...)
}
