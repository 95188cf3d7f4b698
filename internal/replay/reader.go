package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"fluidnet/sim/internal/codec"
	"fluidnet/sim/internal/fluid"
)

// Frame is one decoded snapshot from a bundle.
type Frame struct {
	Tick       uint64
	CapturedAt time.Time
	Snapshot   fluid.Snapshot
}

// ReadManifest loads the manifest of a bundle directory.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}

// ReadEvents decodes the snappy event log of a bundle in write order.
func ReadEvents(dir string) ([]EventRecord, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []EventRecord
	scanner := bufio.NewScanner(snappy.NewReader(file))
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(records), err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadFrames decodes every snapshot frame of a bundle.
func ReadFrames(dir string) ([]Frame, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []Frame
	header := make([]byte, frameHeaderSize)
	for {
		//1.- A clean EOF before a header ends the stream; anything else is truncation.
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("frame %d header: %w", len(frames), err)
		}
		tick := binary.LittleEndian.Uint64(header[0:8])
		captured := time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC()
		payload := make([]byte, binary.LittleEndian.Uint32(header[16:20]))
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("frame %d payload: %w", len(frames), err)
		}
		snap, err := codec.UnmarshalBinary(payload)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", len(frames), err)
		}
		frames = append(frames, Frame{Tick: tick, CapturedAt: captured, Snapshot: snap})
	}
}
