package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// minTailSeconds is the shortest final chunk. A shorter remainder is folded
// into the previous chunk.
const minTailSeconds = 0.5

// MediaDecodeError reports input that cannot be decoded. It is never retried.
type MediaDecodeError struct {
	Filename string
	Reason   string
	Stderr   string
	Err      error
}

func (e *MediaDecodeError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("cannot decode %s: %s", e.Filename, e.Reason)
	if stderr := lastLine(e.Stderr); stderr != "" {
		msg += " (" + stderr + ")"
	}
	return msg
}

func (e *MediaDecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func IsMediaDecodeError(err error) bool {
	var decodeErr *MediaDecodeError
	return errors.As(err, &decodeErr)
}

// Chunk is one independently decodable slice of the source media.
type Chunk struct {
	Index     int
	Path      string
	StartTime float64
	EndTime   float64
}

func (c Chunk) Duration() float64 {
	return c.EndTime - c.StartTime
}

// Segmentation is the result of splitting one source. WorkDir belongs to the
// caller, who must call Cleanup on every exit path.
type Segmentation struct {
	Duration float64
	Chunks   []Chunk
	WorkDir  string

	removeAll func(path string) error
}

func (s *Segmentation) Cleanup() error {
	if s == nil || s.WorkDir == "" {
		return nil
	}
	removeAll := s.removeAll
	if removeAll == nil {
		removeAll = os.RemoveAll
	}
	if err := removeAll(s.WorkDir); err != nil {
		return err
	}
	s.WorkDir = ""
	return nil
}

// Segmenter splits media into fixed-length chunks with ffmpeg.
type Segmenter struct {
	ffmpegPath   string
	ffprobePath  string
	chunkSeconds float64
	runner       CommandRunner
	mkdirTemp    func(dir, pattern string) (string, error)
	removeAll    func(path string) error
	writeFile    func(name string, data []byte, perm os.FileMode) error
	stat         func(name string) (os.FileInfo, error)
}

func NewSegmenter(ffmpegPath, ffprobePath string, chunkSeconds float64, runner CommandRunner) *Segmenter {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Segmenter{
		ffmpegPath:   ffmpegPath,
		ffprobePath:  ffprobePath,
		chunkSeconds: chunkSeconds,
		runner:       runner,
		mkdirTemp:    os.MkdirTemp,
		removeAll:    os.RemoveAll,
		writeFile:    os.WriteFile,
		stat:         os.Stat,
	}
}

// Segment writes data to a scratch directory, probes its duration and cuts it
// into contiguous chunks no longer than the configured limit.
func (s *Segmenter) Segment(ctx context.Context, data []byte, filename string) (Segmentation, error) {
	if len(data) == 0 {
		return Segmentation{}, &MediaDecodeError{Filename: filename, Reason: "empty content"}
	}

	workDir, err := s.mkdirTemp("", "skribly-segments-*")
	if err != nil {
		return Segmentation{}, fmt.Errorf("create scratch directory: %w", err)
	}

	seg, err := s.segmentIn(ctx, workDir, data, filename)
	if err != nil {
		_ = s.removeAll(workDir)
		return Segmentation{}, err
	}
	return seg, nil
}

func (s *Segmenter) segmentIn(ctx context.Context, workDir string, data []byte, filename string) (Segmentation, error) {
	inputPath := filepath.Join(workDir, "source"+sourceExtension(filename))
	if err := s.writeFile(inputPath, data, 0o600); err != nil {
		return Segmentation{}, fmt.Errorf("write source media: %w", err)
	}

	duration, err := s.probeDuration(ctx, inputPath, filename)
	if err != nil {
		return Segmentation{}, err
	}

	bounds := ChunkBounds(duration, s.chunkSeconds)
	chunks := make([]Chunk, 0, len(bounds))
	for i, b := range bounds {
		if err := ctx.Err(); err != nil {
			return Segmentation{}, err
		}

		outPath := filepath.Join(workDir, fmt.Sprintf("chunk_%03d.mp3", i))
		args := buildChunkArgs(inputPath, outPath, b[0], b[1]-b[0])
		res, runErr := s.runner.Run(ctx, s.ffmpegPath, args...)
		if runErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Segmentation{}, ctxErr
			}
			if errors.Is(runErr, exec.ErrNotFound) {
				return Segmentation{}, fmt.Errorf("ffmpeg not available at %q: %w", s.ffmpegPath, runErr)
			}
			return Segmentation{}, &MediaDecodeError{
				Filename: filename,
				Reason:   fmt.Sprintf("ffmpeg failed on chunk %d", i),
				Stderr:   res.Stderr,
				Err:      runErr,
			}
		}
		if _, err := s.stat(outPath); err != nil {
			return Segmentation{}, fmt.Errorf("ffmpeg completed but chunk %d is missing: %w", i, err)
		}

		chunks = append(chunks, Chunk{
			Index:     i,
			Path:      outPath,
			StartTime: b[0],
			EndTime:   b[1],
		})
	}

	return Segmentation{
		Duration:  duration,
		Chunks:    chunks,
		WorkDir:   workDir,
		removeAll: s.removeAll,
	}, nil
}

func (s *Segmenter) probeDuration(ctx context.Context, inputPath, filename string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	}
	res, err := s.runner.Run(ctx, s.ffprobePath, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if errors.Is(err, exec.ErrNotFound) {
			return 0, fmt.Errorf("ffprobe not available at %q: %w", s.ffprobePath, err)
		}
		return 0, &MediaDecodeError{Filename: filename, Reason: "ffprobe failed", Stderr: res.Stderr, Err: err}
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil || math.IsNaN(duration) || math.IsInf(duration, 0) || duration <= 0 {
		return 0, &MediaDecodeError{
			Filename: filename,
			Reason:   fmt.Sprintf("no playable duration (%q)", strings.TrimSpace(res.Stdout)),
			Err:      err,
		}
	}
	return duration, nil
}

// ChunkBounds splits [0,duration) into contiguous [start,end) ranges of at
// most limit seconds. A final remainder under minTailSeconds extends the
// previous range instead of becoming a chunk of its own.
func ChunkBounds(duration, limit float64) [][2]float64 {
	if duration <= 0 || limit <= 0 {
		return nil
	}
	count := int(math.Ceil(duration / limit))
	bounds := make([][2]float64, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * limit
		end := math.Min(start+limit, duration)
		if end <= start {
			break
		}
		bounds = append(bounds, [2]float64{start, end})
	}
	if n := len(bounds); n > 1 && bounds[n-1][1]-bounds[n-1][0] < minTailSeconds {
		bounds[n-2][1] = bounds[n-1][1]
		bounds = bounds[:n-1]
	}
	return bounds
}

// buildChunkArgs cuts one mono 16 kHz mp3 chunk, small enough for upload limits.
func buildChunkArgs(inputPath, outPath string, start, length float64) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(length),
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "libmp3lame",
		"-b:a", "64k",
		outPath,
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func sourceExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
