package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/maryammeda/tracker/domain"
)

const edmInt64 = "Edm.Int64"

// Tables stores assignments in Azure Table Storage, partitioned by owner.
type Tables struct {
	table *aztables.Client
}

// NewTables creates a Tables backend from the given connection string.
func NewTables(connStr, table string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(table)}, nil
}

// EnsureTable creates the table when it does not exist yet.
func (s *Tables) EnsureTable(ctx context.Context) error {
	_, err := s.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

type assignmentEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Title        string `json:"Title"`
	DueDate      string `json:"DueDate"`
	IsCompleted  bool   `json:"IsCompleted"`
	Seq          int64  `json:"Seq,string"`
	SeqType      string `json:"Seq@odata.type"`
}

type assignmentMerge struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Title        string `json:"Title"`
	DueDate      string `json:"DueDate"`
	IsCompleted  bool   `json:"IsCompleted"`
}

var lastSeq int64

// nextSeq returns a strictly increasing insertion sequence.
func nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastSeq)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastSeq, last, now) {
			return now
		}
	}
}

func toEntity(a domain.Assignment, seq int64) assignmentEntity {
	return assignmentEntity{
		PartitionKey: a.OwnerID,
		RowKey:       a.ID,
		Title:        a.Title,
		DueDate:      a.DueDate.String(),
		IsCompleted:  a.IsCompleted,
		Seq:          seq,
		SeqType:      edmInt64,
	}
}

func decodeAssignmentEntity(data []byte) (assignmentEntity, domain.Assignment, error) {
	var ent assignmentEntity
	if err := sonic.ConfigStd.Unmarshal(data, &ent); err != nil {
		return ent, domain.Assignment{}, err
	}
	due, err := civil.ParseDate(ent.DueDate)
	if err != nil {
		return ent, domain.Assignment{}, err
	}
	return ent, domain.Assignment{
		ID:          ent.RowKey,
		OwnerID:     ent.PartitionKey,
		Title:       ent.Title,
		DueDate:     due,
		IsCompleted: ent.IsCompleted,
	}, nil
}

// quoteOData escapes a string literal for an OData filter.
func quoteOData(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func ownerFilter(owner string) string {
	if owner == "" {
		return ""
	}
	return "PartitionKey eq " + quoteOData(owner)
}

func pendingFilter(day civil.Date) string {
	return "DueDate eq " + quoteOData(day.String()) + " and IsCompleted eq false"
}

type sequenced struct {
	seq int64
	a   domain.Assignment
}

// sortAssignments orders by due date, ties in insertion order.
func sortAssignments(items []sequenced) {
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := items[i].a.DueDate, items[j].a.DueDate
		if di != dj {
			return di.Before(dj)
		}
		return items[i].seq < items[j].seq
	})
}

func pageOf(items []sequenced, skip, limit int) []domain.Assignment {
	out := []domain.Assignment{}
	if skip >= len(items) {
		return out
	}
	end := len(items)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	for _, it := range items[skip:end] {
		out = append(out, it.a)
	}
	return out
}

func (s *Tables) query(ctx context.Context, filter string) ([]sequenced, error) {
	opts := &aztables.ListEntitiesOptions{}
	if filter != "" {
		opts.Filter = &filter
	}
	pager := s.table.NewListEntitiesPager(opts)
	items := []sequenced{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			ent, a, err := decodeAssignmentEntity(e)
			if err != nil {
				return nil, err
			}
			items = append(items, sequenced{seq: ent.Seq, a: a})
		}
	}
	return items, nil
}

func (s *Tables) CountAssignments(ctx context.Context, owner string) (int, error) {
	items, err := s.query(ctx, ownerFilter(owner))
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// ListAssignments sorts client side because the service only orders by keys.
func (s *Tables) ListAssignments(ctx context.Context, owner string, skip, limit int) ([]domain.Assignment, error) {
	items, err := s.query(ctx, ownerFilter(owner))
	if err != nil {
		return nil, err
	}
	sortAssignments(items)
	return pageOf(items, skip, limit), nil
}

func (s *Tables) GetAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	items, err := s.query(ctx, "RowKey eq "+quoteOData(id))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	a := items[0].a
	return &a, nil
}

func (s *Tables) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	payload, err := sonic.ConfigStd.Marshal(toEntity(a, nextSeq()))
	if err == nil {
		_, err = s.table.AddEntity(ctx, payload, nil)
	}
	return err
}

func (s *Tables) UpdateAssignment(ctx context.Context, current domain.Assignment, upd domain.AssignmentUpdate) (domain.Assignment, error) {
	updated := upd.Apply(current)
	payload, err := sonic.ConfigStd.Marshal(assignmentMerge{
		PartitionKey: updated.OwnerID,
		RowKey:       updated.ID,
		Title:        updated.Title,
		DueDate:      updated.DueDate.String(),
		IsCompleted:  updated.IsCompleted,
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	et := azcore.ETagAny
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if isNotFound(err) {
		return domain.Assignment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	return updated, nil
}

func (s *Tables) DeleteAssignment(ctx context.Context, a domain.Assignment) error {
	_, err := s.table.DeleteEntity(ctx, a.OwnerID, a.ID, nil)
	if isNotFound(err) {
		return domain.ErrNotFound
	}
	return err
}

func (s *Tables) PendingDueOn(ctx context.Context, day civil.Date) ([]domain.Assignment, error) {
	items, err := s.query(ctx, pendingFilter(day))
	if err != nil {
		return nil, err
	}
	sortAssignments(items)
	return pageOf(items, 0, 0), nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
