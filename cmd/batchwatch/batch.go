package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/payflow/batchwatch/internal/filter"
	"github.com/payflow/batchwatch/internal/restapi"
	"github.com/payflow/batchwatch/pkg/schema"
)

func newBatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <id>",
		Short: "Show a batch record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.api.GetBatch(cmd.Context(), schema.BatchID(args[0]))
			if err != nil {
				return errors.New(restapi.ErrorMessage(err, "Failed to load batch"))
			}
			renderBatch(a.out, b)
			return nil
		},
	}
}

func newItemsCmd(a *app) *cobra.Command {
	var (
		filters  filterFlags
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "items <id>",
		Short: "List one page of a batch's items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filters.set()
			if err != nil {
				return err
			}
			if page < 1 {
				return fmt.Errorf("page must be at least 1, got %d", page)
			}
			if pageSize <= 0 {
				pageSize = a.cfg.Sync.PageSize
			}

			res, err := a.api.ListItems(cmd.Context(), schema.BatchID(args[0]), f, page, pageSize)
			if err != nil {
				return errors.New(restapi.ErrorMessage(err, "Failed to load items"))
			}
			renderItems(a.out, res.Results)
			fmt.Fprintf(a.out, "Page %d, %d of %d items (%s)\n",
				page, len(res.Results), res.Count, describeFilter(f))
			return nil
		},
	}
	filters.bind(cmd)
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Items per page (default from config)")
	return cmd
}

// filterFlags are the raw filter values given on the command line.
type filterFlags struct {
	status   string
	phone    string
	min      string
	max      string
	ordering string
}

func (ff *filterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ff.status, "status", "", "Item status (pending, processing, success, failed)")
	cmd.Flags().StringVar(&ff.phone, "phone", "", "Phone substring")
	cmd.Flags().StringVar(&ff.min, "min", "", "Minimum amount")
	cmd.Flags().StringVar(&ff.max, "max", "", "Maximum amount")
	cmd.Flags().StringVar(&ff.ordering, "ordering", "", "Server ordering, e.g. -amount,row_number")
}

func (ff filterFlags) set() (filter.Set, error) {
	status, err := filter.ParseStatus(ff.status)
	if err != nil {
		return filter.Set{}, err
	}
	minAmount, err := filter.ParseAmount(ff.min)
	if err != nil {
		return filter.Set{}, err
	}
	maxAmount, err := filter.ParseAmount(ff.max)
	if err != nil {
		return filter.Set{}, err
	}
	return filter.Set{
		Status:    status,
		Phone:     ff.phone,
		MinAmount: minAmount,
		MaxAmount: maxAmount,
		Ordering:  ff.ordering,
	}, nil
}
