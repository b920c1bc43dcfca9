package media

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner simulates ffprobe/ffmpeg invocations.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (CommandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	if f.run == nil {
		return CommandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestChunkBounds(t *testing.T) {
	require.Equal(t, [][2]float64{{0, 60}, {60, 120}, {120, 130}}, ChunkBounds(130, 60))
	require.Equal(t, [][2]float64{{0, 60}, {60, 120}}, ChunkBounds(120, 60))
	require.Equal(t, [][2]float64{{0, 12.5}}, ChunkBounds(12.5, 60))
	require.Empty(t, ChunkBounds(0, 60))
	require.Empty(t, ChunkBounds(10, 0))

	// ffprobe reports microseconds; a sliver past the boundary joins the last chunk
	bounds := ChunkBounds(120.0004, 60)
	require.Equal(t, [][2]float64{{0, 60}, {60, 120.0004}}, bounds)
	require.Equal(t, "60.000", formatSeconds(bounds[1][1]-bounds[1][0]))
	require.Equal(t, [][2]float64{{0, 60}, {60, 120}, {120, 120.5}}, ChunkBounds(120.5, 60))
}

func TestSegmentSplitsIntoContiguousChunks(t *testing.T) {
	var (
		probed bool
		starts []string
		lens   []string
	)
	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (CommandResult, error) {
		switch name {
		case "ffprobe":
			probed = true
			return CommandResult{Stdout: "130.000000\n"}, nil
		case "ffmpeg":
			starts = append(starts, argValue(args, "-ss"))
			lens = append(lens, argValue(args, "-t"))
			out := args[len(args)-1]
			require.NoError(t, os.WriteFile(out, []byte("mp3"), 0o600))
			return CommandResult{}, nil
		default:
			t.Fatalf("unexpected command %q", name)
			return CommandResult{}, nil
		}
	}}

	seg := NewSegmenter("ffmpeg", "ffprobe", 60, runner)
	result, err := seg.Segment(context.Background(), []byte("media"), "lecture.m4a")
	require.NoError(t, err)
	require.True(t, probed)

	require.InDelta(t, 130.0, result.Duration, 1e-9)
	require.Len(t, result.Chunks, 3)
	for i, chunk := range result.Chunks {
		require.Equal(t, i, chunk.Index)
		require.Greater(t, chunk.EndTime, chunk.StartTime)
		require.LessOrEqual(t, chunk.Duration(), 60.0)
		if i > 0 {
			require.Equal(t, result.Chunks[i-1].EndTime, chunk.StartTime)
		}
	}
	require.Equal(t, 120.0, result.Chunks[2].StartTime)
	require.Equal(t, 130.0, result.Chunks[2].EndTime)
	require.Equal(t, []string{"0.000", "60.000", "120.000"}, starts)
	require.Equal(t, []string{"60.000", "60.000", "10.000"}, lens)

	_, err = os.Stat(filepath.Join(result.WorkDir, "source.m4a"))
	require.NoError(t, err)

	workDir := result.WorkDir
	require.NoError(t, result.Cleanup())
	_, err = os.Stat(workDir)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSegmentUndecodableInput(t *testing.T) {
	var created string
	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (CommandResult, error) {
		created = filepath.Dir(args[len(args)-1])
		return CommandResult{Stderr: "moov atom not found\nInvalid data found", ExitCode: 1}, errors.New("exit status 1")
	}}

	seg := NewSegmenter("ffmpeg", "ffprobe", 60, runner)
	_, err := seg.Segment(context.Background(), []byte("garbage"), "broken.mp4")
	require.Error(t, err)
	require.True(t, IsMediaDecodeError(err))
	require.Contains(t, err.Error(), "Invalid data found")

	_, statErr := os.Stat(created)
	require.True(t, errors.Is(statErr, os.ErrNotExist), "scratch dir must be removed on failure")
}

func TestSegmentEmptyAndZeroDuration(t *testing.T) {
	seg := NewSegmenter("ffmpeg", "ffprobe", 60, &fakeRunner{})
	_, err := seg.Segment(context.Background(), nil, "empty.mp3")
	require.True(t, IsMediaDecodeError(err))

	seg = NewSegmenter("ffmpeg", "ffprobe", 60, &fakeRunner{run: func(ctx context.Context, name string, args ...string) (CommandResult, error) {
		return CommandResult{Stdout: "N/A"}, nil
	}})
	_, err = seg.Segment(context.Background(), []byte("x"), "still.png")
	require.True(t, IsMediaDecodeError(err))
}

func TestSegmentMissingBinaryIsNotDecodeError(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (CommandResult, error) {
		return CommandResult{ExitCode: -1}, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}}

	seg := NewSegmenter("ffmpeg", "/opt/missing/ffprobe", 60, runner)
	_, err := seg.Segment(context.Background(), []byte("audio"), "lecture.mp3")
	require.Error(t, err)
	require.False(t, IsMediaDecodeError(err))
	require.ErrorIs(t, err, exec.ErrNotFound)
	require.Contains(t, err.Error(), "/opt/missing/ffprobe")
}
