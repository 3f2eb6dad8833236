package asr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

// serverEngine talks to a whisper inference server that accepts WAV audio
// and streams newline-delimited JSON results.
type serverEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewServerEngine(endpoint, model string) Engine {
	return &serverEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   http.DefaultClient,
	}
}

type serverRequest struct {
	Audio         []byte  `json:"audio"`
	Model         string  `json:"model,omitempty"`
	Language      string  `json:"language,omitempty"`
	Task          string  `json:"task,omitempty"`
	ChunkLengthS  float64 `json:"chunk_length_s,omitempty"`
	StrideLengthS float64 `json:"stride_length_s,omitempty"`
	Prompt        string  `json:"prompt,omitempty"`
	Stream        bool    `json:"stream"`
}

type serverStreamResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Start    float64 `json:"start,omitempty"`
	End      float64 `json:"end,omitempty"`
	Done     bool    `json:"done"`
}

func (g *serverEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	payload := serverRequest{
		Audio:         audio.EncodeWAV(samples, audio.TargetSampleRate),
		Model:         g.model,
		Language:      opts.Language,
		Task:          opts.Task,
		ChunkLengthS:  opts.ChunkLengthS,
		StrideLengthS: opts.StrideLengthS,
		Prompt:        opts.VocabHint,
		Stream:        true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/v1/transcribe", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("asr server returned status %s", resp.Status)
	}

	result := Result{
		Duration: time.Duration(float64(len(samples)) / float64(audio.TargetSampleRate) * float64(time.Second)),
	}
	var parts []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk serverStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Result{}, fmt.Errorf("decode asr server response: %w", err)
		}
		if chunk.Language != "" {
			result.Language = chunk.Language
		}
		if text := strings.TrimSpace(chunk.Text); text != "" {
			parts = append(parts, text)
			result.Segments = append(result.Segments, Segment{
				Start: time.Duration(chunk.Start * float64(time.Second)),
				End:   time.Duration(chunk.End * float64(time.Second)),
				Text:  text,
			})
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}
	result.Text = strings.Join(parts, " ")
	return result, nil
}

func (g *serverEngine) Close() error { return nil }
