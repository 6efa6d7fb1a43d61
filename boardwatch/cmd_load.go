package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"taskboard/api"
	"taskboard/domain"
)

type LoadCmd struct {
	flags *Flags

	count   int
	workers int
}

func NewLoadCmd(flags *Flags) *LoadCmd {
	return &LoadCmd{flags: flags}
}

// Register adds the load command to the application.
func (cmd *LoadCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "load",
		Usage:     "Create many tasks concurrently",
		UsageText: "boardwatch load [--count n] [--workers n]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "count",
				Value:       100,
				Destination: &cmd.count,
			},
			&cli.IntFlag{
				Name:        "workers",
				Value:       8,
				Destination: &cmd.workers,
			},
		},
		Action: cmd.run,
	})
	return app
}

type loadStats struct {
	created atomic.Int64
	failed  atomic.Int64
}

func (cmd *LoadCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.count <= 0 || cmd.workers <= 0 {
		return fmt.Errorf("count and workers must be positive")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	jobs := make(chan int)
	var (
		wg    sync.WaitGroup
		stats loadStats
	)
	start := time.Now()
	for w := 0; w < cmd.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				if _, err := cmd.createTask(ctx, client, n); err != nil {
					stats.failed.Add(1)
					log.WithError(err).WithField("n", n).Warn("create failed")
					continue
				}
				stats.created.Add(1)
			}
		}()
	}
feed:
	for n := 0; n < cmd.count; n++ {
		select {
		case jobs <- n:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	_, err := fmt.Fprintf(c.Root().Writer, "created=%d failed=%d elapsed=%s rate=%.1f/s\n",
		stats.created.Load(), stats.failed.Load(), elapsed.Round(time.Millisecond),
		float64(stats.created.Load())/elapsed.Seconds())
	return err
}

func (cmd *LoadCmd) createTask(ctx context.Context, client *http.Client, n int) (domain.Task, error) {
	body, err := sonic.Marshal(map[string]string{
		"title":       fmt.Sprintf("load task %d", n),
		"description": "generated by boardwatch",
		"dueDate":     time.Now().Add(24 * time.Hour).UTC().Format(time.DateOnly),
	})
	if err != nil {
		return domain.Task{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cmd.flags.URL, "/")+"/tasks", bytes.NewReader(body))
	if err != nil {
		return domain.Task{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderIdempotencyKey, uuid.NewString())
	if cmd.flags.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cmd.flags.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Task{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Task{}, err
	}
	if resp.StatusCode != http.StatusCreated {
		return domain.Task{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var t domain.Task
	if err := sonic.Unmarshal(data, &t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
