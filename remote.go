package logtrust

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultRemoteTimeout bounds a single fetch from a known clients or known
// loggers endpoint.
const DefaultRemoteTimeout = 10 * time.Second

// maxRemoteBody caps the size of an endpoint response.
const maxRemoteBody = 4 << 20

// remoteFetcher retrieves known clients and loggers from HTTP endpoints.
// Responses may be JSON or a protobuf encoded google.protobuf.Struct with the
// same shape.
type remoteFetcher struct {
	client  *http.Client
	timeout time.Duration
}

func newRemoteFetcher(client *http.Client, timeout time.Duration) *remoteFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &remoteFetcher{client: client, timeout: timeout}
}

type knownClientsPayload struct {
	KnownClients []clientDoc `json:"known_clients"`
}

type knownLoggersPayload struct {
	Loggers map[string]loggerDoc `json:"loggers"`
}

func (f *remoteFetcher) fetchClients(ctx context.Context, url string) ([]clientDoc, error) {
	var p knownClientsPayload
	if err := f.get(ctx, url, &p); err != nil {
		return nil, err
	}
	log.Infof("fetched %d known clients from %s", len(p.KnownClients), url)
	return p.KnownClients, nil
}

func (f *remoteFetcher) fetchLoggers(ctx context.Context, url string) (map[string]loggerDoc, error) {
	var p knownLoggersPayload
	if err := f.get(ctx, url, &p); err != nil {
		return nil, err
	}
	log.Infof("fetched %d known loggers from %s", len(p.Loggers), url)
	return p.Loggers, nil
}

func (f *remoteFetcher) get(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, "+contentTypeProtobuf)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if isProtobufContentType(resp.Header.Get("Content-Type")) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("unmarshal protobuf: %w", err)
		}
		if body, err = structToJSON(&st); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
