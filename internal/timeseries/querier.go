package timeseries

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery/types"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// QueryError is the error class for failed queries.
var QueryError = errs.Class("timeseries query")

// Row maps column names to scalar values. NULL columns are absent.
type Row map[string]string

// Querier runs queries and flattens every result page into rows.
type Querier struct {
	log    *zap.Logger
	client timestreamquery.QueryAPIClient
}

// NewQueryClient builds a Timestream query client. A non-empty endpoint
// disables endpoint discovery.
func NewQueryClient(awsCfg aws.Config, endpoint string) *timestreamquery.Client {
	return timestreamquery.NewFromConfig(awsCfg, func(o *timestreamquery.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.EndpointDiscovery.EnableEndpointDiscovery = aws.EndpointDiscoveryDisabled
		}
	})
}

// NewQuerier wraps a query client.
func NewQuerier(log *zap.Logger, client timestreamquery.QueryAPIClient) *Querier {
	return &Querier{log: log, client: client}
}

// Query runs query and returns all rows across result pages.
func (q *Querier) Query(ctx context.Context, query string) ([]Row, error) {
	paginator := timestreamquery.NewQueryPaginator(q.client, &timestreamquery.QueryInput{
		QueryString: aws.String(query),
	})

	var rows []Row
	pages := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, QueryError.Wrap(fmt.Errorf("page %d: %w", pages+1, err))
		}
		pages++

		for _, r := range page.Rows {
			rows = append(rows, toRow(page.ColumnInfo, r))
		}
	}

	q.log.Debug("query complete", zap.Int("pages", pages), zap.Int("rows", len(rows)))
	return rows, nil
}

func toRow(columns []types.ColumnInfo, r types.Row) Row {
	row := make(Row, len(columns))
	for i, datum := range r.Data {
		if i >= len(columns) || datum.ScalarValue == nil {
			continue
		}
		if datum.NullValue != nil && *datum.NullValue {
			continue
		}
		row[aws.ToString(columns[i].Name)] = *datum.ScalarValue
	}
	return row
}
