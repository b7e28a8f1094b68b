package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/calls"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCallID   = errors.New("call identifier is required")
	errMissingHostID   = errors.New("host identifier is required")
	errStaleStatus     = errors.New("call status changed concurrently")
	noOpLogger         = zap.NewNop()
)

// ServiceError tags a storage failure with an "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew        = "records.store.new"
	opCreateCall      = "records.create_call"
	opLoadCall        = "records.load_call"
	opLoadTimeline    = "records.load_timeline"
	opFindMeeting     = "records.find_meeting"
	opAppendEvent     = "records.append_event"
	opRecordLead      = "records.record_lead_status"
	opTransition      = "records.transition"
	opSaveNotes       = "records.save_notes"
	opAddInvites      = "records.add_invites"
	opSetSecureToken  = "records.set_secure_token"
	reasonQuery       = "query_failed"
	reasonNotFound    = "not_found"
	reasonEncode      = "encode_failed"
	reasonTransaction = "transaction_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists calls and their timelines through gorm.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateCall inserts a new call in SCHEDULED status together with its invite list.
func (s *Store) CreateCall(ctx context.Context, call calls.Call) (calls.Call, error) {
	if strings.TrimSpace(call.ID) == "" {
		return calls.Call{}, newServiceError(opCreateCall, "missing_call_id", errMissingCallID)
	}
	if strings.TrimSpace(call.HostID) == "" {
		return calls.Call{}, newServiceError(opCreateCall, "missing_host_id", errMissingHostID)
	}
	if call.Status == "" {
		call.Status = calls.StatusScheduled
	}
	now := s.clock().UTC().UnixMilli()
	record := toRecord(call)
	record.CreatedAtMilli = now
	record.UpdatedAtMilli = now

	invitees := lo.Uniq(lo.Compact(call.InvitedUserIDs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return insertInvites(tx, call.ID, invitees, now)
	})
	if err != nil {
		s.logError(opCreateCall, reasonTransaction, err, zap.String("call_id", call.ID))
		return calls.Call{}, newServiceError(opCreateCall, reasonTransaction, err)
	}
	call.InvitedUserIDs = invitees
	return call, nil
}

// LoadCall returns the call with its invite list. A missing call wraps calls.ErrCallNotFound.
func (s *Store) LoadCall(ctx context.Context, callID string) (calls.Call, error) {
	var record CallRecord
	err := s.db.WithContext(ctx).Where("call_id = ?", callID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return calls.Call{}, newServiceError(opLoadCall, reasonNotFound, calls.ErrCallNotFound)
	}
	if err != nil {
		s.logError(opLoadCall, reasonQuery, err, zap.String("call_id", callID))
		return calls.Call{}, newServiceError(opLoadCall, reasonQuery, err)
	}
	return s.hydrate(ctx, opLoadCall, record)
}

// FindCallByMeetingID resolves an external meeting id to its call.
func (s *Store) FindCallByMeetingID(ctx context.Context, meetingID string) (calls.Call, error) {
	var record CallRecord
	err := s.db.WithContext(ctx).Where("meeting_id = ?", meetingID).Order("created_at_ms DESC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return calls.Call{}, newServiceError(opFindMeeting, reasonNotFound, calls.ErrCallNotFound)
	}
	if err != nil {
		s.logError(opFindMeeting, reasonQuery, err, zap.String("meeting_id", meetingID))
		return calls.Call{}, newServiceError(opFindMeeting, reasonQuery, err)
	}
	return s.hydrate(ctx, opFindMeeting, record)
}

func (s *Store) hydrate(ctx context.Context, operation string, record CallRecord) (calls.Call, error) {
	var invites []InviteRecord
	if err := s.db.WithContext(ctx).Where("call_id = ?", record.CallID).Order("created_at_ms ASC, user_id ASC").Find(&invites).Error; err != nil {
		s.logError(operation, reasonQuery, err, zap.String("call_id", record.CallID))
		return calls.Call{}, newServiceError(operation, reasonQuery, err)
	}
	call, err := fromRecord(record)
	if err != nil {
		s.logError(operation, "decode_failed", err, zap.String("call_id", record.CallID))
		return calls.Call{}, newServiceError(operation, "decode_failed", err)
	}
	call.InvitedUserIDs = lo.Map(invites, func(invite InviteRecord, _ int) string { return invite.UserID })
	return call, nil
}

// LoadTimeline returns every persisted event in sequence order.
func (s *Store) LoadTimeline(ctx context.Context, callID string) ([]calls.TimelineEvent, error) {
	var rows []TimelineRecord
	if err := s.db.WithContext(ctx).Where("call_id = ?", callID).Order("seq ASC").Find(&rows).Error; err != nil {
		s.logError(opLoadTimeline, reasonQuery, err, zap.String("call_id", callID))
		return nil, newServiceError(opLoadTimeline, reasonQuery, err)
	}
	events := make([]calls.TimelineEvent, 0, len(rows))
	for _, row := range rows {
		body, err := calls.DecodeBody(calls.EventKind(row.Kind), jsoniter.RawMessage(row.DataJSON))
		if err != nil {
			s.logError(opLoadTimeline, "decode_failed", err, zap.String("call_id", callID), zap.Int64("seq", row.Seq))
			return nil, newServiceError(opLoadTimeline, "decode_failed", err)
		}
		events = append(events, calls.TimelineEvent{
			Seq:       row.Seq,
			CallID:    row.CallID,
			ActorID:   row.ActorID,
			Timestamp: time.UnixMilli(row.OccurredAtMilli).UTC(),
			Body:      body,
		})
	}
	return events, nil
}

// AppendEvent persists one sequenced event.
func (s *Store) AppendEvent(ctx context.Context, event calls.TimelineEvent) error {
	row, err := toTimelineRecord(event)
	if err != nil {
		return newServiceError(opAppendEvent, reasonEncode, err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opAppendEvent, "insert_failed", err, zap.String("call_id", event.CallID), zap.Int64("seq", event.Seq))
		return newServiceError(opAppendEvent, "insert_failed", err)
	}
	return nil
}

// RecordLeadStatus stores the lead status change event and mirrors it onto the call row.
func (s *Store) RecordLeadStatus(ctx context.Context, event calls.TimelineEvent, status string) error {
	row, err := toTimelineRecord(event)
	if err != nil {
		return newServiceError(opRecordLead, reasonEncode, err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&CallRecord{}).Where("call_id = ?", event.CallID).Updates(map[string]any{
			"lead_status":   status,
			"updated_at_ms": s.clock().UTC().UnixMilli(),
		}).Error
	})
	if err != nil {
		s.logError(opRecordLead, reasonTransaction, err, zap.String("call_id", event.CallID))
		return newServiceError(opRecordLead, reasonTransaction, err)
	}
	return nil
}

// StatusUpdate moves a call between lifecycle states together with the events
// that announce it. Insights and a lead status are stored when present.
type StatusUpdate struct {
	CallID     string
	From       calls.Status
	To         calls.Status
	At         time.Time
	Insights   *calls.Insights
	LeadStatus string
	Events     []calls.TimelineEvent
}

// Transition applies a status update atomically. The row must still be in From.
func (s *Store) Transition(ctx context.Context, update StatusUpdate) error {
	rows := make([]TimelineRecord, 0, len(update.Events))
	for _, event := range update.Events {
		row, err := toTimelineRecord(event)
		if err != nil {
			return newServiceError(opTransition, reasonEncode, err)
		}
		rows = append(rows, row)
	}
	columns := map[string]any{
		"status":        string(update.To),
		"updated_at_ms": s.clock().UTC().UnixMilli(),
	}
	switch update.To {
	case calls.StatusOngoing:
		columns["started_at_ms"] = update.At.UTC().UnixMilli()
	case calls.StatusCompleted, calls.StatusCancelled:
		columns["ended_at_ms"] = update.At.UTC().UnixMilli()
	}
	if update.Insights != nil {
		encoded, err := jsoniter.Marshal(update.Insights)
		if err != nil {
			return newServiceError(opTransition, reasonEncode, err)
		}
		columns["insights_json"] = string(encoded)
	}
	if update.LeadStatus != "" {
		columns["lead_status"] = update.LeadStatus
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current CallRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("call_id = ?", update.CallID).
			Take(&current).Error; err != nil {
			return err
		}
		if current.Status != string(update.From) {
			return fmt.Errorf("%w: expected %s, found %s", errStaleStatus, update.From, current.Status)
		}
		if err := tx.Model(&CallRecord{}).Where("call_id = ?", update.CallID).Updates(columns).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		s.logError(opTransition, reasonTransaction, err,
			zap.String("call_id", update.CallID),
			zap.String("from", string(update.From)),
			zap.String("to", string(update.To)),
		)
		return newServiceError(opTransition, reasonTransaction, err)
	}
	return nil
}

// SaveNotes overwrites the host's private notes.
func (s *Store) SaveNotes(ctx context.Context, callID, notes string) error {
	result := s.db.WithContext(ctx).Model(&CallRecord{}).Where("call_id = ?", callID).Updates(map[string]any{
		"private_notes": notes,
		"updated_at_ms": s.clock().UTC().UnixMilli(),
	})
	if result.Error != nil {
		s.logError(opSaveNotes, "update_failed", result.Error, zap.String("call_id", callID))
		return newServiceError(opSaveNotes, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSaveNotes, reasonNotFound, calls.ErrCallNotFound)
	}
	return nil
}

// AddInvites adds members to a call's invite list. Existing members are ignored.
func (s *Store) AddInvites(ctx context.Context, callID string, userIDs []string) error {
	invitees := lo.Uniq(lo.Compact(userIDs))
	if len(invitees) == 0 {
		return nil
	}
	if err := insertInvites(s.db.WithContext(ctx), callID, invitees, s.clock().UTC().UnixMilli()); err != nil {
		s.logError(opAddInvites, "insert_failed", err, zap.String("call_id", callID))
		return newServiceError(opAddInvites, "insert_failed", err)
	}
	return nil
}

// SetSecureTokenID records the id of the only invite token currently honoured.
func (s *Store) SetSecureTokenID(ctx context.Context, callID, tokenID string) error {
	result := s.db.WithContext(ctx).Model(&CallRecord{}).Where("call_id = ?", callID).Updates(map[string]any{
		"secure_token_id": tokenID,
		"invite_only":     true,
		"updated_at_ms":   s.clock().UTC().UnixMilli(),
	})
	if result.Error != nil {
		s.logError(opSetSecureToken, "update_failed", result.Error, zap.String("call_id", callID))
		return newServiceError(opSetSecureToken, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetSecureToken, reasonNotFound, calls.ErrCallNotFound)
	}
	return nil
}

func insertInvites(tx *gorm.DB, callID string, userIDs []string, createdAt int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := lo.Map(userIDs, func(userID string, _ int) InviteRecord {
		return InviteRecord{CallID: callID, UserID: userID, CreatedAtMilli: createdAt}
	})
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil || err == nil {
		return
	}
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
	allFields = append(allFields, fields...)
	s.logger.Error("call record store error", allFields...)
}
