package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

const execMaxLine = 4 << 20

// ExecSynth runs a local command per request. The command receives one JSON
// object on stdin and answers with NDJSON frames carrying base64 audio.
type ExecSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *ExecSynth) Name() string {
	return "exec"
}

// Format is raw PCM at the configured rate; the command's frames carry no
// container.
func (e *ExecSynth) Format() Format {
	return FormatPCM(e.sampleRate, e.channels)
}

func (e *ExecSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	return collect(ctx, e, req)
}

// SynthesizeStream starts the command and decodes its frames into the
// returned reader. Closing the reader kills the process.
func (e *ExecSynth) SynthesizeStream(ctx context.Context, req SynthRequest) (io.ReadCloser, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, NewSynthesisError("exec", "", "start command", err, false)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(e.pump(cmd, stdin, stdout, data, pw))
	}()
	return &execStream{PipeReader: pr, cancel: cancel}, nil
}

func (e *ExecSynth) pump(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, data []byte, pw *io.PipeWriter) error {
	if _, err := stdin.Write(data); err != nil {
		stdin.Close()
		cmd.Wait()
		return NewSynthesisError("exec", "", "write request", err, false)
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), execMaxLine)
	var streamErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			streamErr = NewSynthesisError("exec", "", "decode frame", err, false)
			break
		}
		if resp.Error != "" {
			streamErr = NewSynthesisError("exec", "", resp.Error, nil, false)
			break
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			streamErr = NewSynthesisError("exec", "", "decode audio", err, false)
			break
		}
		if len(pcm) > 0 {
			if _, err := pw.Write(pcm); err != nil {
				// reader closed
				streamErr = err
				break
			}
		}
		if resp.Final {
			break
		}
	}
	if streamErr == nil {
		streamErr = scanner.Err()
	}
	if streamErr != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		return streamErr
	}
	// drain trailing output so the command can exit
	io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return NewSynthesisError("exec", "", "command failed", err, false)
	}
	return nil
}

type execStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *execStream) Close() error {
	s.cancel()
	err := s.PipeReader.Close()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
