// Package mux wraps the external muxer binary used to combine a
// video-only and audio-only DASH stream into one playable file: pages
// whose descriptor requires muxing invoke this external tool.
// Materialization treats the tool as opaque: a zero exit code is success,
// anything else is a syncerr.MuxFailed carrying the exit code and
// captured stderr for diagnostics.
//
// Grounded on the teacher's internal/supervisor.runInstanceOnce: same
// exec.CommandContext + captured stderr + ctx-cancellation-sends-signal shape,
// narrowed from a long-lived restart-supervised child to one bounded
// one-shot invocation.
package mux

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/arrenxxxxx/bili-sync/internal/syncerr"
)

// Binary is the external muxer executable name, overridable for tests.
// Defaults to ffmpeg, matching the teacher pack's assumption that media
// tooling shells out to ffmpeg for transcodes/remuxes.
var Binary = "ffmpeg"

// Request describes one mux invocation: combine video and audio into dest.
type Request struct {
	VideoPath string
	AudioPath string
	DestPath  string
	Timeout   time.Duration
}

// Run invokes the muxer and blocks until it exits or ctx/Timeout elapses.
// A non-zero exit or launch failure surfaces as *syncerr.MuxFailed.
func Run(ctx context.Context, req Request) error {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-y",
		"-i", req.VideoPath,
		"-i", req.AudioPath,
		"-c", "copy",
		req.DestPath,
	}
	cmd := exec.CommandContext(runCtx, Binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &syncerr.MuxFailed{ExitCode: exitCode, Stderr: stderr.String()}
	}
	return nil
}
