package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"shopfloor-api/domain"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an insert collides with an existing row.
var ErrConflict = errors.New("storage: already exists")

// profiles live in a single partition; the row key is the identity id.
const profilePartition = "profile"

// Config names the external tables and queues this service writes to.
type Config struct {
	ProfilesTable string
	TasksTable    string
	SubtasksTable string
	CommentsTable string
	EmailQueue    string
	TaskPageSize  int
}

// Storage provides access to the managed tables and the mail queue.
type Storage struct {
	profiles     *aztables.Client
	tasks        *aztables.Client
	subtasks     *aztables.Client
	comments     *aztables.Client
	mailQueue    *azqueue.QueueClient
	taskPageSize int
}

// New creates a Storage instance from the given connection string.
func New(connStr string, cfg Config) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
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
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	mq, err := azqueue.NewQueueClientFromConnectionString(connStr, cfg.EmailQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	pageSize := cfg.TaskPageSize
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Storage{
		profiles:     svc.NewClient(cfg.ProfilesTable),
		tasks:        svc.NewClient(cfg.TasksTable),
		subtasks:     svc.NewClient(cfg.SubtasksTable),
		comments:     svc.NewClient(cfg.CommentsTable),
		mailQueue:    mq,
		taskPageSize: pageSize,
	}, nil
}

func statusOf(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// escapeODataString doubles single quotes for OData string literals.
func escapeODataString(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// --- profiles ---

type profileEntity struct {
	aztables.Entity
	Email      string `json:"Email"`
	FirstName  string `json:"FirstName"`
	LastName   string `json:"LastName"`
	Title      string `json:"Title"`
	Phone      string `json:"Phone"`
	Department string `json:"Department"`
	Initials   string `json:"Initials"`
	AvatarURL  string `json:"AvatarURL"`
	Role       string `json:"Role"`
	Approved   bool   `json:"Approved"`
	CreatedBy  string `json:"CreatedBy"`
}

func decodeProfileEntity(data []byte) (domain.Profile, error) {
	var ent profileEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{
		ID:         ent.RowKey,
		Email:      ent.Email,
		FirstName:  ent.FirstName,
		LastName:   ent.LastName,
		Title:      ent.Title,
		Phone:      ent.Phone,
		Department: ent.Department,
		Initials:   ent.Initials,
		AvatarURL:  ent.AvatarURL,
		Role:       domain.ParseRole(ent.Role),
		Approved:   ent.Approved,
		CreatedBy:  ent.CreatedBy,
	}, nil
}

func encodeProfileEntity(p domain.Profile) ([]byte, error) {
	return json.Marshal(profileEntity{
		Entity:     aztables.Entity{PartitionKey: profilePartition, RowKey: p.ID},
		Email:      strings.ToLower(p.Email),
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Title:      p.Title,
		Phone:      p.Phone,
		Department: p.Department,
		Initials:   p.Initials,
		AvatarURL:  p.AvatarURL,
		Role:       string(p.Role),
		Approved:   p.Approved,
		CreatedBy:  p.CreatedBy,
	})
}

// ProfileByID fetches one profile row by identity id.
func (s *Storage) ProfileByID(ctx context.Context, id string) (domain.Profile, error) {
	resp, err := s.profiles.GetEntity(ctx, profilePartition, id, nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return domain.Profile{}, ErrNotFound
		}
		return domain.Profile{}, err
	}
	return decodeProfileEntity(resp.Value)
}

// ProfileByEmail fetches one profile row by email, case-insensitively.
func (s *Storage) ProfileByEmail(ctx context.Context, email string) (domain.Profile, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and Email eq '%s'",
		profilePartition, escapeODataString(strings.ToLower(email)))
	top := int32(1)
	pager := s.profiles.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Profile{}, err
		}
		if len(resp.Entities) > 0 {
			return decodeProfileEntity(resp.Entities[0])
		}
	}
	return domain.Profile{}, ErrNotFound
}

// InsertProfile adds a profile row. An existing row with the same id is
// a conflict.
func (s *Storage) InsertProfile(ctx context.Context, p domain.Profile) error {
	data, err := encodeProfileEntity(p)
	if err != nil {
		return err
	}
	if _, err := s.profiles.AddEntity(ctx, data, nil); err != nil {
		if statusOf(err) == http.StatusConflict {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *Storage) mergeEntity(ctx context.Context, table *aztables.Client, pk, rk string, fields map[string]any) error {
	patch := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		if v == nil {
			// Table merge cannot delete a property; an empty string is
			// the cleared representation and decodes back to nil.
			patch[k] = ""
			continue
		}
		patch[k] = v
	}
	patch["PartitionKey"] = pk
	patch["RowKey"] = rk
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	mode := aztables.UpdateModeMerge
	if _, err := table.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: mode}); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// --- tasks ---

type taskEntity struct {
	aztables.Entity
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	Priority      string `json:"Priority"`
	StartDate     string `json:"StartDate"`
	DueDate       string `json:"DueDate"`
	CreatedBy     string `json:"CreatedBy"`
	DocumentLinks string `json:"DocumentLinks"`
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	links := []string{}
	if ent.DocumentLinks != "" {
		if err := json.Unmarshal([]byte(ent.DocumentLinks), &links); err != nil {
			links = []string{}
		}
	}
	return domain.Task{
		ID:            ent.RowKey,
		Title:         ent.Title,
		Description:   optional(ent.Description),
		Status:        domain.Status(ent.Status),
		Priority:      domain.Priority(ent.Priority),
		StartDate:     optional(ent.StartDate),
		DueDate:       optional(ent.DueDate),
		Department:    ent.PartitionKey,
		CreatedBy:     ent.CreatedBy,
		DocumentLinks: links,
	}, nil
}

// EncodeDocumentLinks renders a link list as the stored representation.
func EncodeDocumentLinks(links []string) string {
	if len(links) == 0 {
		return ""
	}
	data, err := json.Marshal(links)
	if err != nil {
		return ""
	}
	return string(data)
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	return json.Marshal(taskEntity{
		Entity:        aztables.Entity{PartitionKey: t.Department, RowKey: t.ID},
		Title:         t.Title,
		Description:   deref(t.Description),
		Status:        string(t.Status),
		Priority:      string(t.Priority),
		StartDate:     deref(t.StartDate),
		DueDate:       deref(t.DueDate),
		CreatedBy:     t.CreatedBy,
		DocumentLinks: EncodeDocumentLinks(t.DocumentLinks),
	})
}

type invalidTokenError struct{ token string }

func (e invalidTokenError) Error() string {
	return fmt.Sprintf("invalid continuation token %q", e.token)
}

func (invalidTokenError) InvalidContinuationToken() {}

func encodeContinuationToken(rowKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rowKey))
}

func decodeContinuationToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) == 0 {
		return "", invalidTokenError{token: token}
	}
	return string(raw), nil
}

// FetchTasks retrieves one page of tasks for the department. The
// returned token resumes after the last row of the page; an empty token
// means the listing is exhausted.
func (s *Storage) FetchTasks(ctx context.Context, department, continuationToken string, limit int) ([]domain.Task, string, error) {
	if limit <= 0 {
		limit = s.taskPageSize
	}
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeODataString(department))
	if continuationToken != "" {
		resumeAfter, err := decodeContinuationToken(continuationToken)
		if err != nil {
			return nil, "", err
		}
		filter += fmt.Sprintf(" and RowKey gt '%s'", escapeODataString(resumeAfter))
	}

	// One extra row tells us whether another page exists.
	top := int32(limit + 1)
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	tasks := []domain.Task{}
	for pager.More() && len(tasks) <= limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, "", err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, "", err
			}
			tasks = append(tasks, task)
			if len(tasks) > limit {
				break
			}
		}
	}

	nextToken := ""
	if len(tasks) > limit {
		tasks = tasks[:limit]
		nextToken = encodeContinuationToken(tasks[limit-1].ID)
	}
	return tasks, nextToken, nil
}

// TaskByID finds a task across departments.
func (s *Storage) TaskByID(ctx context.Context, id string) (domain.Task, error) {
	filter := fmt.Sprintf("RowKey eq '%s'", escapeODataString(id))
	top := int32(1)
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Task{}, err
		}
		if len(resp.Entities) > 0 {
			return decodeTaskEntity(resp.Entities[0])
		}
	}
	return domain.Task{}, ErrNotFound
}

// InsertTask adds a canonical task row.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	data, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	if _, err := s.tasks.AddEntity(ctx, data, nil); err != nil {
		if statusOf(err) == http.StatusConflict {
			return ErrConflict
		}
		return err
	}
	return nil
}

// UpdateTask merges the given columns into a task row. Keys absent from
// fields are untouched; nil values clear the column.
func (s *Storage) UpdateTask(ctx context.Context, id string, fields map[string]any) (domain.Task, error) {
	current, err := s.TaskByID(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.mergeEntity(ctx, s.tasks, current.Department, id, fields); err != nil {
		return domain.Task{}, err
	}
	return s.TaskByID(ctx, id)
}

// DeleteTask removes a task row.
func (s *Storage) DeleteTask(ctx context.Context, id string) error {
	current, err := s.TaskByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.tasks.DeleteEntity(ctx, current.Department, id, nil); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// --- subtasks ---

type subtaskEntity struct {
	aztables.Entity
	Title string `json:"Title"`
	Done  bool   `json:"Done"`
}

// Subtasks lists the child subtasks of a task.
func (s *Storage) Subtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeODataString(taskID))
	pager := s.subtasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Subtask{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent subtaskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			out = append(out, domain.Subtask{
				ID:     ent.RowKey,
				TaskID: ent.PartitionKey,
				Title:  ent.Title,
				Done:   ent.Done,
			})
		}
	}
	return out, nil
}

// InsertSubtask adds a subtask row under its parent task.
func (s *Storage) InsertSubtask(ctx context.Context, st domain.Subtask) error {
	data, err := json.Marshal(subtaskEntity{
		Entity: aztables.Entity{PartitionKey: st.TaskID, RowKey: st.ID},
		Title:  st.Title,
		Done:   st.Done,
	})
	if err != nil {
		return err
	}
	if _, err := s.subtasks.AddEntity(ctx, data, nil); err != nil {
		if statusOf(err) == http.StatusConflict {
			return ErrConflict
		}
		return err
	}
	return nil
}

// UpdateSubtask merges columns into a subtask row addressed by id only.
func (s *Storage) UpdateSubtask(ctx context.Context, id string, fields map[string]any) error {
	filter := fmt.Sprintf("RowKey eq '%s'", escapeODataString(id))
	top := int32(1)
	pager := s.subtasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		if len(resp.Entities) > 0 {
			var ent subtaskEntity
			if err := json.Unmarshal(resp.Entities[0], &ent); err != nil {
				return err
			}
			return s.mergeEntity(ctx, s.subtasks, ent.PartitionKey, id, fields)
		}
	}
	return ErrNotFound
}

// --- comments ---

type commentEntity struct {
	aztables.Entity
	AuthorID  string `json:"AuthorID"`
	Body      string `json:"Body"`
	CreatedAt int64  `json:"CreatedAt"`
}

// Comments lists the comments of a task in creation order.
func (s *Storage) Comments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeODataString(taskID))
	pager := s.comments.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Comment{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent commentEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			out = append(out, domain.Comment{
				ID:        ent.RowKey,
				TaskID:    ent.PartitionKey,
				AuthorID:  ent.AuthorID,
				Body:      ent.Body,
				CreatedAt: ent.CreatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// InsertComment adds a comment row under its parent task.
func (s *Storage) InsertComment(ctx context.Context, c domain.Comment) error {
	data, err := json.Marshal(commentEntity{
		Entity:    aztables.Entity{PartitionKey: c.TaskID, RowKey: c.ID},
		AuthorID:  c.AuthorID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
	})
	if err != nil {
		return err
	}
	if _, err := s.comments.AddEntity(ctx, data, nil); err != nil {
		return err
	}
	return nil
}

// --- mail ---

// EnqueueEmail hands a message to the queue consumed by the serverless
// mail function.
func (s *Storage) EnqueueEmail(ctx context.Context, env domain.EmailEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := s.mailQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return err
	}
	return nil
}
