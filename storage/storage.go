package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/attachment"
	"taskboard/domain"
)

// chunkSize keeps each binary property under the 64 KiB table limit.
const chunkSize = 48 * 1024

// ErrTaskNotFound is returned when a task does not exist for the user.
var ErrTaskNotFound = errors.New("task not found")

type tableAPI interface {
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

type queueAPI interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage persists tasks in Azure Table Storage and publishes task events to
// an Azure queue.
type Storage struct {
	taskTable       tableAPI
	attachmentTable tableAPI
	eventQueue      queueAPI
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, attachmentsTable, eventsQueue string) (*Storage, error) {
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
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:       svc.NewClient(tasksTable),
		attachmentTable: svc.NewClient(attachmentsTable),
		eventQueue:      eq,
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title            string `json:"Title"`
	Description      string `json:"Description"`
	Date             string `json:"Date"`
	Status           string `json:"Status"`
	Category         string `json:"Category"`
	AttachmentName   string `json:"AttachmentName,omitempty"`
	AttachmentType   string `json:"AttachmentType,omitempty"`
	AttachmentChunks int    `json:"AttachmentChunks"`
	// AttachmentGeneration scopes the chunk row keys of the current
	// attachment. Rows written before generations existed leave it empty.
	AttachmentGeneration string `json:"AttachmentGeneration,omitempty"`
}

type chunkEntity struct {
	aztables.Entity
	Data     []byte `json:"Data"`
	DataType string `json:"Data@odata.type"`
}

// chunkSet names the chunk rows of one stored attachment.
type chunkSet struct {
	generation string
	count      int
}

func entityFromTask(userID string, t domain.Task, chunks chunkSet) taskEntity {
	ent := taskEntity{
		Entity:               aztables.Entity{PartitionKey: userID, RowKey: t.ID},
		Title:                t.Title,
		Description:          t.Description,
		Date:                 t.Date,
		Status:               string(t.Status),
		Category:             string(t.Category),
		AttachmentChunks:     chunks.count,
		AttachmentGeneration: chunks.generation,
	}
	if t.AttachmentData != nil {
		ent.AttachmentName = t.AttachmentData.Name
		ent.AttachmentType = t.AttachmentData.Type
	}
	return ent
}

// taskFromEntity converts a stored row. The attachment descriptor carries
// metadata only; its data is filled in by GetTask.
func taskFromEntity(ent taskEntity) domain.Task {
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Date:        ent.Date,
		Status:      domain.Status(ent.Status),
		Category:    domain.Category(ent.Category),
	}
	if ent.AttachmentChunks > 0 {
		t.AttachmentData = &domain.AttachmentDescriptor{Type: ent.AttachmentType, Name: ent.AttachmentName}
	}
	return t
}

func partitionFilter(userID string) string {
	return "PartitionKey eq '" + escapeODataString(userID) + "'"
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// chunkRowKey is "<task>_<generation>_<index>". An empty generation yields
// the older "<task>-<index>" form.
func chunkRowKey(taskID, generation string, i int) string {
	if generation == "" {
		return fmt.Sprintf("%s-%04d", taskID, i)
	}
	return fmt.Sprintf("%s_%s_%04d", taskID, generation, i)
}

func (e taskEntity) chunks() chunkSet {
	return chunkSet{generation: e.AttachmentGeneration, count: e.AttachmentChunks}
}

func notFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func splitChunks(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+chunkSize-1)/chunkSize)
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// FetchTasks retrieves all tasks for the provided user without attachment data.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := partitionFilter(userID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromEntity(ent))
		}
	}
	return tasks, nil
}

func (s *Storage) getEntity(ctx context.Context, userID, taskID string) (*taskEntity, error) {
	resp, err := s.taskTable.GetEntity(ctx, userID, taskID, nil)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// GetTask loads one task including its attachment data.
func (s *Storage) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	ent, err := s.getEntity(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if ent == nil {
		return domain.Task{}, ErrTaskNotFound
	}
	t := taskFromEntity(*ent)
	if ent.AttachmentChunks == 0 {
		return t, nil
	}
	data, err := s.loadAttachment(ctx, userID, taskID, ent.chunks())
	if err != nil {
		return domain.Task{}, fmt.Errorf("load attachment of %s: %w", taskID, err)
	}
	desc := attachment.Encode(domain.File{Name: ent.AttachmentName, Type: ent.AttachmentType, Data: data})
	t.AttachmentData = &desc
	return t, nil
}

// loadAttachment reads the chunk rows of set by exact row key.
func (s *Storage) loadAttachment(ctx context.Context, userID, taskID string, set chunkSet) ([]byte, error) {
	data := make([]byte, 0, set.count*chunkSize)
	for i := 0; i < set.count; i++ {
		resp, err := s.attachmentTable.GetEntity(ctx, userID, chunkRowKey(taskID, set.generation, i), nil)
		if err != nil {
			if notFound(err) {
				return nil, fmt.Errorf("missing chunk %d", i)
			}
			return nil, err
		}
		var ent chunkEntity
		if err := json.Unmarshal(resp.Value, &ent); err != nil {
			return nil, err
		}
		data = append(data, ent.Data...)
	}
	return data, nil
}

// writeChunks stores data under a fresh generation. Rows of other
// generations are left alone.
func (s *Storage) writeChunks(ctx context.Context, userID, taskID string, data []byte) (chunkSet, error) {
	parts := splitChunks(data)
	set := chunkSet{generation: uuid.NewString(), count: len(parts)}
	for i, part := range parts {
		ent := chunkEntity{
			Entity:   aztables.Entity{PartitionKey: userID, RowKey: chunkRowKey(taskID, set.generation, i)},
			Data:     part,
			DataType: "Edm.Binary",
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return chunkSet{}, err
		}
		if _, err := s.attachmentTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
			s.deleteChunks(ctx, userID, taskID, chunkSet{generation: set.generation, count: i})
			return chunkSet{}, fmt.Errorf("store attachment chunk %d: %w", i, err)
		}
	}
	return set, nil
}

// deleteChunks removes the rows of set. Failures only leave orphan rows
// that no task references, so they are logged and skipped.
func (s *Storage) deleteChunks(ctx context.Context, userID, taskID string, set chunkSet) {
	for i := 0; i < set.count; i++ {
		key := chunkRowKey(taskID, set.generation, i)
		if _, err := s.attachmentTable.DeleteEntity(ctx, userID, key, nil); err != nil && !notFound(err) {
			log.WithError(err).WithField("row", key).Warn("delete attachment chunk failed")
		}
	}
}

// SaveTask stores t for the user. A newly chosen attachment replaces the
// stored one; otherwise the stored attachment is kept. The returned task
// reflects what was persisted.
//
// New chunks go under a fresh generation and the task row is switched to it
// in a single upsert, so a failure at any step leaves the previous task and
// attachment readable. The old generation is removed afterwards.
func (s *Storage) SaveTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	prev, err := s.getEntity(ctx, userID, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	var prevChunks chunkSet
	if prev != nil {
		prevChunks = prev.chunks()
	}

	chunks := prevChunks
	if t.Attachment != nil {
		chunks, err = s.writeChunks(ctx, userID, t.ID, t.Attachment.Data)
		if err != nil {
			return domain.Task{}, err
		}
		desc := attachment.Encode(*t.Attachment)
		t.AttachmentData = &desc
		t.Attachment = nil
	} else if t.AttachmentData == nil && prev != nil && prevChunks.count > 0 {
		t.AttachmentData = &domain.AttachmentDescriptor{Type: prev.AttachmentType, Name: prev.AttachmentName}
	}

	payload, err := json.Marshal(entityFromTask(userID, t, chunks))
	if err == nil {
		_, err = s.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	}
	if err != nil {
		if chunks != prevChunks {
			s.deleteChunks(ctx, userID, t.ID, chunks)
		}
		return domain.Task{}, err
	}
	if chunks != prevChunks {
		s.deleteChunks(ctx, userID, t.ID, prevChunks)
	}
	return t, nil
}

// PublishEvent sends ev to the task events queue.
func (s *Storage) PublishEvent(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.eventQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
