// Command wardenctl is a small operator client for a running arrwarden
// instance. It exchanges the admin API key for a token when needed and
// prints API responses as indented JSON.
//
// Usage:
//
//	wardenctl status
//	wardenctl agents
//	wardenctl run <agent>
//	wardenctl enable-agent <agent> | disable-agent <agent>
//	wardenctl events [agent]
//	wardenctl indexers [service]
//	wardenctl enable <service> <id> | disable <service> <id>
//
// Environment: ARRWARDEN_ADDR (default http://localhost:8080) and
// ARRWARDEN_ADMIN_API_KEY for commands that mutate state.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type client struct {
	addr string
	http *http.Client
}

func run(args []string) error {
	_ = godotenv.Load()

	if len(args) == 0 {
		return fmt.Errorf("usage: wardenctl <status|agents|run|enable-agent|disable-agent|events|indexers|enable|disable> [args]")
	}

	addr := os.Getenv("ARRWARDEN_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	c := &client{addr: addr, http: &http.Client{Timeout: 30 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch cmd := args[0]; cmd {
	case "status":
		return c.get(ctx, "/v1/status")
	case "agents":
		return c.get(ctx, "/v1/agents")
	case "run", "enable-agent", "disable-agent":
		if len(args) < 2 {
			return fmt.Errorf("usage: wardenctl %s <agent>", cmd)
		}
		action := map[string]string{"run": "run", "enable-agent": "enable", "disable-agent": "disable"}[cmd]
		return c.post(ctx, fmt.Sprintf("/v1/agents/%s/%s", url.PathEscape(args[1]), action))
	case "events":
		path := "/v1/events"
		if len(args) > 1 {
			path += "?agent=" + url.QueryEscape(args[1])
		}
		return c.get(ctx, path)
	case "indexers":
		path := "/v1/indexers/health"
		if len(args) > 1 {
			path += "?service=" + url.QueryEscape(args[1])
		}
		return c.get(ctx, path)
	case "enable", "disable":
		if len(args) < 3 {
			return fmt.Errorf("usage: wardenctl %s <service> <indexer-id>", cmd)
		}
		return c.post(ctx, fmt.Sprintf("/v1/indexers/%s/%s/%s",
			url.PathEscape(args[1]), url.PathEscape(args[2]), cmd))
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *client) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

// post authenticates first: mutating endpoints require a bearer token.
func (c *client) post(ctx context.Context, path string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req)
}

func (c *client) token(ctx context.Context) (string, error) {
	apiKey := os.Getenv("ARRWARDEN_ADMIN_API_KEY")
	if apiKey == "" {
		return "", fmt.Errorf("ARRWARDEN_ADMIN_API_KEY is required for this command")
	}

	body, err := json.Marshal(map[string]string{"api_key": apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth failed: %s", resp.Status)
	}

	var envelope struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return envelope.Data.Token, nil
}

// do executes the request and pretty-prints the response body.
func (c *client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
