package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/himmam-offline/internal/app"
	"github.com/Sternrassler/himmam-offline/pkg/archive"
	"github.com/Sternrassler/himmam-offline/pkg/foreground"
	"github.com/Sternrassler/himmam-offline/pkg/logging"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newLessonsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lessons",
		Short: "Manage archived lessons",
	}
	cmd.AddCommand(newLessonsListCmd(opts))
	cmd.AddCommand(newLessonsCacheCmd(opts))
	cmd.AddCommand(newLessonsRemoveCmd(opts))
	return cmd
}

func newLessonsListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived lessons",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return withDownloader(cmd.Context(), a, a.Config.Protocol.DownloadTimeout, func(d *foreground.Downloader) error {
				lessons, err := d.CachedLessons(cmd.Context())
				if err != nil {
					return err
				}
				w := newTable(cmd.OutOrStdout())
				fmt.Fprintln(w, "ID\tTITLE\tSUBJECT\tGRADE")
				for _, l := range lessons {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", l.ID, oneLine(l.Title), l.Subject, l.Grade)
				}
				return w.Flush()
			})
		},
	}
}

func newLessonsCacheCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "cache <file>",
		Short: "Archive the lessons described in a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lessons, err := readLessons(args[0])
			if err != nil {
				return err
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if timeout <= 0 {
				timeout = a.Config.Protocol.DownloadTimeout
			}

			failed := 0
			err = withDownloader(cmd.Context(), a, timeout, func(d *foreground.Downloader) error {
				for _, lesson := range lessons {
					state, err := d.Download(cmd.Context(), lesson)
					if err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%v\n", lesson.ID, state, err)
						failed++
						continue
					}
					if state != foreground.StateSuccess {
						failed++
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", lesson.ID, state)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d lessons failed", failed, len(lessons))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-lesson timeout (default protocol.download_timeout)")
	return cmd
}

func newLessonsRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an archived lesson and its assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.Archiver.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("lesson %q is not archived", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed", args[0])
			return nil
		},
	}
}

// withDownloader runs the message worker for the duration of fn and hands fn
// a controlled client to talk to it.
func withDownloader(ctx context.Context, a *app.App, timeout time.Duration, fn func(*foreground.Downloader) error) error {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan error, 1)
	go func() {
		stopped <- a.Worker.Run(ctx)
	}()

	d := foreground.NewDownloader(a.Worker, a.Clients, timeout, logging.NewLogger("downloader"))
	a.Clients.Claim()

	err := fn(d)

	d.Close()
	cancel()
	if runErr := <-stopped; err == nil {
		err = runErr
	}
	return err
}

// readLessons decodes a lesson or a list of lessons. JSON files are valid
// YAML, so both go through the YAML decoder; the result is re-encoded as
// JSON so the lesson wire names apply.
func readLessons(path string) ([]archive.Lesson, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lessons: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse lessons: %w", err)
	}
	if _, ok := doc.(map[string]any); ok {
		doc = []any{doc}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse lessons: %w", err)
	}
	var lessons []archive.Lesson
	if err := json.Unmarshal(raw, &lessons); err != nil {
		return nil, fmt.Errorf("parse lessons: %w", err)
	}
	if len(lessons) == 0 {
		return nil, fmt.Errorf("no lessons in %s", path)
	}
	for i, l := range lessons {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("lesson %d: %w", i+1, err)
		}
	}
	return lessons, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
