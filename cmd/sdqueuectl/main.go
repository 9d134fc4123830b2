// sdqueuectl submits prompts to an sdqueue service and polls for results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sdqueue/internal/config"
	"sdqueue/internal/job"
	"sdqueue/pkg/backoff"
	"syscall"
	"time"

	"github.com/google/uuid"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "sdqueuectl:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage:
  sdqueuectl submit --prompt P [--key K]
  sdqueuectl status --key K
  sdqueuectl wait   --key K [--out final.png] [--timeout 10m]

common flags:
  --url    service address (SDQUEUE_ADDR, default http://localhost:8000)
  --token  API key (SDQUEUE_API_KEY)`)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return flag.ErrHelp
	}

	switch args[0] {
	case "submit":
		return submit(ctx, args[1:], out)
	case "status":
		return status(ctx, args[1:], out)
	case "wait":
		return wait(ctx, args[1:], out)
	default:
		usage(out)
		return flag.ErrHelp
	}
}

// newFlagSet registers the flags shared by every subcommand.
func newFlagSet(name string, out io.Writer) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	url := fs.String("url", config.GetEnv("SDQUEUE_ADDR", "http://localhost:8000"), "service address")
	token := fs.String("token", config.GetEnv("SDQUEUE_API_KEY", ""), "API key")
	return fs, url, token
}

func submit(ctx context.Context, args []string, out io.Writer) error {
	fs, url, token := newFlagSet("submit", out)
	prompt := fs.String("prompt", "", "text prompt")
	key := fs.String("key", "", "transaction key (default: random UUID)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *prompt == "" {
		return errors.New("--prompt is required")
	}
	if *key == "" {
		*key = uuid.NewString()
	}

	resp, err := newClient(*url, *token).Submit(ctx, &job.SubmitRequest{Key: *key, Input: *prompt})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "transaction_key=%s status=%s\n", resp.Key, resp.Status)
	return nil
}

func status(ctx context.Context, args []string, out io.Writer) error {
	fs, url, token := newFlagSet("status", out)
	key := fs.String("key", "", "transaction key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("--key is required")
	}

	st, err := newClient(*url, *token).Status(ctx, *key)
	if err != nil {
		return err
	}
	printStatus(out, *key, st)
	return nil
}

func wait(ctx context.Context, args []string, out io.Writer) error {
	fs, url, token := newFlagSet("wait", out)
	key := fs.String("key", "", "transaction key")
	outPath := fs.String("out", "", "write the final image to this file")
	timeout := fs.Duration("timeout", 10*time.Minute, "give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("--key is required")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	st, err := poll(ctx, newClient(*url, *token), *key, &backoff.Config{
		Initial: 250 * time.Millisecond,
		Max:     5 * time.Second,
		Jitter:  0.1,
	})
	if err != nil {
		return err
	}
	printStatus(out, *key, st)

	if st.Status == job.StatusError {
		return fmt.Errorf("job failed: %s", st.Error)
	}
	if *outPath != "" {
		if err := os.WriteFile(*outPath, st.Final, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *outPath, err)
		}
		fmt.Fprintf(out, "wrote %d bytes to %s\n", len(st.Final), *outPath)
	}
	return nil
}

// poll fetches the status until the job is done or failed. The delay grows
// while the job is queued and resets whenever a new step is reported.
func poll(ctx context.Context, c *client, key string, cfg *backoff.Config) (*job.StatusResponse, error) {
	attempt := 1
	lastSteps := -1
	for {
		st, err := c.Status(ctx, key)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		if len(st.Steps) != lastSteps {
			lastSteps = len(st.Steps)
			attempt = 1
		} else {
			attempt++
		}
		if err := backoff.Sleep(ctx, attempt, cfg); err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", key, err)
		}
	}
}

func printStatus(w io.Writer, key string, st *job.StatusResponse) {
	fmt.Fprintf(w, "transaction_key=%s status=%s steps=%d", key, st.Status, len(st.Steps))
	if st.Seed != nil {
		fmt.Fprintf(w, " seed=%d", *st.Seed)
	}
	if st.Error != "" {
		fmt.Fprintf(w, " error=%q", st.Error)
	}
	fmt.Fprintln(w)
}
