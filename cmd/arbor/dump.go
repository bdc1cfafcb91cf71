package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/jacentio/arbor/cache"
	"github.com/jacentio/arbor/dynamo"
)

var dumpOpts struct {
	table    string
	index    string
	rootRef  string
	label    string
	profile  string
	pageSize int
	rows     int
	expand   []string
	timeout  time.Duration
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the first rows of a hierarchy, indented by level",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), dumpOpts.timeout)
		defer cancel()

		// 1. AWS client
		var opts []func(*config.LoadOptions) error
		if dumpOpts.profile != "" {
			opts = append(opts, config.WithSharedConfigProfile(dumpOpts.profile))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)

		// 2. Provider and cache
		logger := newLogger()
		failed := make(chan error, 1)
		providerCfg := dynamo.DefaultConfig()
		providerCfg.TableName = dumpOpts.table
		providerCfg.ParentIndex = dumpOpts.index
		providerCfg.RootRef = dumpOpts.rootRef
		providerCfg.Timeout = dumpOpts.timeout
		providerCfg.OnError = func(params cache.Params, err error) {
			select {
			case failed <- fmt.Errorf("fetch page %d: %w", params.Page, err):
			default:
			}
		}
		provider, err := dynamo.NewProvider(client, providerCfg, logger)
		if err != nil {
			return err
		}

		cacheCfg := cache.DefaultConfig()
		cacheCfg.PageSize = dumpOpts.pageSize
		cacheCfg.ItemIDPath = providerCfg.RefAttr

		changed := make(chan struct{}, 1)
		orchestrator := cache.New(provider, cacheCfg, logger)
		orchestrator.SetOnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})

		// 3. Load rows until the requested window is complete
		d := &dumper{
			cache:   orchestrator,
			refAttr: providerCfg.RefAttr,
			label:   dumpOpts.label,
			expand:  dumpOpts.expand,
			rows:    dumpOpts.rows,
		}
		for {
			if d.settle() {
				return d.print(cmd.OutOrStdout())
			}
			select {
			case <-changed:
			case err := <-failed:
				return err
			case <-ctx.Done():
				return fmt.Errorf("waiting for pages: %w", ctx.Err())
			}
		}
	},
}

func init() {
	f := dumpCmd.Flags()
	f.StringVarP(&dumpOpts.table, "table", "t", "", "DynamoDB table name")
	f.StringVarP(&dumpOpts.index, "index", "i", "", "GSI keyed on the parent reference")
	f.StringVar(&dumpOpts.rootRef, "root-ref", "root", "Parent reference of top-level rows")
	f.StringVar(&dumpOpts.label, "label", "name", "Attribute printed for each row")
	f.StringVar(&dumpOpts.profile, "profile", "", "AWS shared config profile")
	f.IntVar(&dumpOpts.pageSize, "page-size", cache.DefaultPageSize, "Rows per page request")
	f.IntVarP(&dumpOpts.rows, "rows", "n", 100, "Number of flat rows to print")
	f.StringSliceVarP(&dumpOpts.expand, "expand", "e", nil, "Entity refs to expand")
	f.DurationVar(&dumpOpts.timeout, "timeout", 30*time.Second, "Overall deadline")
	_ = dumpCmd.MarkFlagRequired("table")
	_ = dumpCmd.MarkFlagRequired("index")

	rootCmd.AddCommand(dumpCmd)
}

// dumper walks the flat view of a cache, expanding the requested refs as
// their rows arrive.
type dumper struct {
	cache   *cache.Orchestrator
	refAttr string
	label   string
	expand  []string
	rows    int
}

// settle requests every missing row in the window and expands matching rows.
// It reports whether the window is fully loaded.
func (d *dumper) settle() bool {
	complete := !d.cache.Loading()
	for i := 0; i < d.limit(); i++ {
		item, ok := d.cache.ItemForIndex(i)
		if !ok {
			complete = false
			continue
		}
		if slices.Contains(d.expand, d.field(item, d.refAttr)) && !d.cache.IsExpanded(item) {
			d.cache.ExpandItem(item)
			complete = false
		}
	}
	return complete && !d.cache.Loading()
}

func (d *dumper) limit() int {
	return min(d.rows, d.cache.Size())
}

func (d *dumper) print(w io.Writer) error {
	for i := 0; i < d.limit(); i++ {
		item, ok := d.cache.ItemForIndex(i)
		if !ok {
			return fmt.Errorf("row %d not loaded", i)
		}
		label := d.field(item, d.label)
		if label == "" {
			label = d.field(item, d.refAttr)
		}
		marker := " "
		if d.cache.IsExpanded(item) {
			marker = "-"
		}
		if _, err := fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", d.cache.Level(i)), marker, label); err != nil {
			return err
		}
	}
	return nil
}

func (d *dumper) field(item cache.Item, attr string) string {
	row, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := row[attr]; ok {
		return fmt.Sprint(v)
	}
	return ""
}
