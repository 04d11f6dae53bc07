package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/songzhibin97/workflow-fsm/types"
)

type WorkflowPo struct {
	ID              string      `gorm:"column:id;primaryKey;size:64"`
	ParentID        string      `gorm:"column:parent_id;size:64"`
	DefinitionID    string      `gorm:"column:definition_id;size:128;index"`
	StateID         string      `gorm:"column:state_id;size:128"`
	TransitionState types.Level `gorm:"column:transition_state;size:16;index"`
	Started         time.Time   `gorm:"column:started"`
	Stopped         *time.Time  `gorm:"column:stopped"`
	BatchID         string      `gorm:"column:batch_id;size:64;index"`
	ContextID       string      `gorm:"column:context_id"`
	CorrelationID   string      `gorm:"column:correlation_id"`
	GroupID         string      `gorm:"column:group_id"`
	WorkflowType    string      `gorm:"column:workflow_type"`
	Environment     string      `gorm:"column:environment"`
}

func (WorkflowPo) TableName() string {
	return "workflow_instance"
}

type TransitionPo struct {
	ID              string      `gorm:"column:id;primaryKey;size:64"`
	WorkflowID      string      `gorm:"column:workflow_id;size:64;index"`
	DefinitionID    string      `gorm:"column:definition_id;size:128"`
	ParentID        string      `gorm:"column:parent_id;size:64"`
	FromStateID     string      `gorm:"column:from_state_id;size:128"`
	ToStateID       string      `gorm:"column:to_state_id;size:128"`
	Sequence        int         `gorm:"column:sequence"`
	SystemID        string      `gorm:"column:system_id;size:128"`
	TransitionState types.Level `gorm:"column:transition_state;size:16"`
	Started         time.Time   `gorm:"column:started"`
	Stopped         *time.Time  `gorm:"column:stopped"`
	ActorID         string      `gorm:"column:actor_id"`
	BatchID         string      `gorm:"column:batch_id;size:64"`
	Log             string      `gorm:"column:log"`
	Code            string      `gorm:"column:code"`
	URI             string      `gorm:"column:uri"`
	ErrorLog        string      `gorm:"column:error_log"`
	ErrorCode       string      `gorm:"column:error_code"`
}

func (TransitionPo) TableName() string {
	return "workflow_transition"
}

type PropertyPo struct {
	ID           string `gorm:"column:id;primaryKey;size:64"`
	WorkflowID   string `gorm:"column:workflow_id;size:64;index"`
	TransitionID string `gorm:"column:transition_id;size:64"`
	Key          string `gorm:"column:property_key"`
	Value        string `gorm:"column:property_value"`
}

func (PropertyPo) TableName() string {
	return "workflow_property"
}

type BatchPo struct {
	ID           string      `gorm:"column:id;primaryKey;size:64"`
	TransitionID string      `gorm:"column:transition_id;size:64"`
	WorkflowID   string      `gorm:"column:workflow_id;size:64"`
	State        types.Level `gorm:"column:state;size:16;index"`
	SystemID     string      `gorm:"column:system_id;size:128"`
	Created      *time.Time  `gorm:"column:created"`
	Started      time.Time   `gorm:"column:started"`
}

func (BatchPo) TableName() string {
	return "workflow_batch"
}

// GormManager is a Manager backed by a relational database through gorm.
type GormManager struct {
	db  *gorm.DB
	txs sync.Map
}

// NewGormManager wraps db. Call Migrate to create the tables.
func NewGormManager(db *gorm.DB) *GormManager {
	return &GormManager{db: db}
}

// Migrate creates or updates the schema.
func (r *GormManager) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&WorkflowPo{}, &TransitionPo{}, &PropertyPo{}, &BatchPo{}); err != nil {
		return errors.WithMessage(err, "AutoMigrate failed")
	}
	return nil
}

// Transaction runs fn inside a database transaction.
func (r *GormManager) Transaction(ctx context.Context, fn func(ctx context.Context, txID string) error) error {
	if txID := TransactionFromContext(ctx); txID != "" {
		return fn(ctx, txID)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txID := uuid.NewString()
		r.txs.Store(txID, tx)
		defer r.txs.Delete(txID)
		return fn(WithTransaction(ctx, txID), txID)
	})
}

func (r *GormManager) getTx(ctx context.Context, txID string) (*gorm.DB, error) {
	tx, ok := r.txs.Load(txID)
	if !ok {
		return nil, errors.Wrapf(ErrNoTransaction, "tx %s", txID)
	}
	return tx.(*gorm.DB).WithContext(ctx), nil
}

// CreateWorkflow inserts w within txID.
func (r *GormManager) CreateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error {
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return err
	}
	if err := tx.Create(toWorkflowPo(w)).Error; err != nil {
		return errors.WithMessage(err, "CreateWorkflow failed")
	}
	return nil
}

// UpdateWorkflow overwrites every column of w within txID.
func (r *GormManager) UpdateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error {
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return err
	}
	res := tx.Model(&WorkflowPo{}).Where("id = ?", w.ID).Select("*").Updates(toWorkflowPo(w))
	if res.Error != nil {
		return errors.WithMessage(res.Error, "UpdateWorkflow failed")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrWorkflowNotFound, "id=%s", w.ID)
	}
	return nil
}

// GetWorkflow loads a workflow by id.
func (r *GormManager) GetWorkflow(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	var po WorkflowPo
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrWorkflowNotFound, "id=%s", id)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "GetWorkflow failed")
	}
	return po.toWorkflow(), nil
}

func buildWorkflowQuery(db *gorm.DB, f WorkflowFilter) *gorm.DB {
	if f.DefinitionID != "" {
		db = db.Where("definition_id = ?", f.DefinitionID)
	}
	if f.StateID != "" {
		db = db.Where("state_id = ?", f.StateID)
	}
	if f.TransitionState != "" {
		db = db.Where("transition_state = ?", f.TransitionState)
	}
	if f.From != nil {
		db = db.Where("started >= ?", *f.From)
	}
	if f.Until != nil {
		db = db.Where("started <= ?", *f.Until)
	}
	if f.Environment != "" {
		db = db.Where("environment = ?", f.Environment)
	}
	if f.ParentID != "" {
		db = db.Where("parent_id = ?", f.ParentID)
	}
	if f.BatchID != "" {
		db = db.Where("batch_id = ?", f.BatchID)
	}
	if f.CorrelationID != "" {
		db = db.Where("correlation_id = ?", f.CorrelationID)
	}
	if f.ContextID != "" {
		db = db.Where("context_id = ?", f.ContextID)
	}
	if f.GroupID != "" {
		db = db.Where("group_id = ?", f.GroupID)
	}
	if f.WorkflowType != "" {
		db = db.Where("workflow_type = ?", f.WorkflowType)
	}
	if f.Running {
		db = db.Where("transition_state NOT IN ?", []types.Level{types.LevelSucceeded, types.LevelFailed})
	}
	return db.Order("started asc").Order("id asc")
}

// ListWorkflows returns the workflows matching filter ordered by start time.
// Property criteria compare effective values and are applied after loading.
func (r *GormManager) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*types.WorkflowInstance, error) {
	db := buildWorkflowQuery(r.db.WithContext(ctx).Model(&WorkflowPo{}), filter)
	if len(filter.Properties) == 0 {
		if filter.Offset > 0 {
			db = db.Offset(filter.Offset)
		}
		if filter.Limit > 0 {
			db = db.Limit(filter.Limit)
		}
	}
	pos := make([]*WorkflowPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "ListWorkflows failed")
	}

	out := make([]*types.WorkflowInstance, 0, len(pos))
	for _, po := range pos {
		w := po.toWorkflow()
		if len(filter.Properties) > 0 {
			history, err := r.ListTransitions(ctx, w.ID)
			if err != nil {
				return nil, err
			}
			props, err := r.ListProperties(ctx, w.ID)
			if err != nil {
				return nil, err
			}
			if !filter.matchesProperties(history, props) {
				continue
			}
		}
		out = append(out, w)
	}
	if len(filter.Properties) > 0 {
		start, end := filter.Page.apply(len(out))
		out = out[start:end]
	}
	return out, nil
}

// CreateTransition inserts t within txID.
func (r *GormManager) CreateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error {
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return err
	}
	if err := tx.Create(toTransitionPo(t)).Error; err != nil {
		return errors.WithMessage(err, "CreateTransition failed")
	}
	return nil
}

// UpdateTransition overwrites every column of t within txID.
func (r *GormManager) UpdateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error {
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return err
	}
	res := tx.Model(&TransitionPo{}).Where("id = ?", t.ID).Select("*").Updates(toTransitionPo(t))
	if res.Error != nil {
		return errors.WithMessage(res.Error, "UpdateTransition failed")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrTransitionNotFound, "id=%s", t.ID)
	}
	return nil
}

// ListTransitions returns the history of workflowID ordered by sequence.
func (r *GormManager) ListTransitions(ctx context.Context, workflowID string) ([]*types.TransitionInstance, error) {
	pos := make([]*TransitionPo, 0)
	err := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("sequence asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessage(err, "ListTransitions failed")
	}
	out := make([]*types.TransitionInstance, len(pos))
	for i, po := range pos {
		out[i] = po.toTransition()
	}
	return out, nil
}

// CreateProperties inserts props within txID.
func (r *GormManager) CreateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error {
	if len(props) == 0 {
		return nil
	}
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return err
	}
	pos := make([]*PropertyPo, len(props))
	for i, p := range props {
		pos[i] = toPropertyPo(p)
	}
	if err := tx.Create(&pos).Error; err != nil {
		return errors.WithMessage(err, "CreateProperties failed")
	}
	return nil
}

// UpdateProperties overwrites props within txID.
func (r *GormManager) UpdateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error {
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return err
	}
	for _, p := range props {
		if err := tx.Model(&PropertyPo{}).Where("id = ?", p.ID).Select("*").Updates(toPropertyPo(p)).Error; err != nil {
			return errors.WithMessage(err, "UpdateProperties failed")
		}
	}
	return nil
}

// ListProperties returns every property row of workflowID.
func (r *GormManager) ListProperties(ctx context.Context, workflowID string) ([]*types.InstanceProperty, error) {
	pos := make([]*PropertyPo, 0)
	if err := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "ListProperties failed")
	}
	out := make([]*types.InstanceProperty, len(pos))
	for i, po := range pos {
		out[i] = po.toProperty()
	}
	return out, nil
}

// CreateBatch inserts b within txID.
func (r *GormManager) CreateBatch(ctx context.Context, txID string, b *types.BatchInstance) error {
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return err
	}
	if err := tx.Create(toBatchPo(b)).Error; err != nil {
		return errors.WithMessage(err, "CreateBatch failed")
	}
	return nil
}

// UpdateBatch updates b only where the stored state still equals expected.
func (r *GormManager) UpdateBatch(ctx context.Context, txID string, b *types.BatchInstance, expected types.Level) (bool, error) {
	tx, err := r.getTx(ctx, txID)
	if err != nil {
		return false, err
	}
	res := tx.Model(&BatchPo{}).
		Where("id = ? AND state = ?", b.ID, expected).
		Updates(map[string]interface{}{
			"state":     b.State,
			"system_id": b.SystemID,
			"created":   b.Created,
		})
	if res.Error != nil {
		return false, errors.WithMessage(res.Error, "UpdateBatch failed")
	}
	return res.RowsAffected == 1, nil
}

// GetBatch loads a batch by id.
func (r *GormManager) GetBatch(ctx context.Context, id string) (*types.BatchInstance, error) {
	var po BatchPo
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrBatchNotFound, "id=%s", id)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "GetBatch failed")
	}
	return po.toBatch(), nil
}

// ListBatches returns the batches in state, ordered by start time.
func (r *GormManager) ListBatches(ctx context.Context, state types.Level, page Page) ([]*types.BatchInstance, error) {
	db := r.db.WithContext(ctx).Model(&BatchPo{})
	if state != "" {
		db = db.Where("state = ?", state)
	}
	db = db.Order("started asc").Order("id asc")
	if page.Offset > 0 {
		db = db.Offset(page.Offset)
	}
	if page.Limit > 0 {
		db = db.Limit(page.Limit)
	}
	pos := make([]*BatchPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "ListBatches failed")
	}
	out := make([]*types.BatchInstance, len(pos))
	for i, po := range pos {
		out[i] = po.toBatch()
	}
	return out, nil
}

// BatchStatus computes the aggregate status of batchID.
func (r *GormManager) BatchStatus(ctx context.Context, batchID string) (types.Level, error) {
	b, err := r.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	pos := make([]*WorkflowPo, 0)
	if err := r.db.WithContext(ctx).Where("batch_id = ?", batchID).Find(&pos).Error; err != nil {
		return "", errors.WithMessage(err, "BatchStatus failed")
	}
	children := make([]*types.WorkflowInstance, len(pos))
	for i, po := range pos {
		children[i] = po.toWorkflow()
	}
	return ComputeBatchStatus(b, children), nil
}

func toWorkflowPo(w *types.WorkflowInstance) *WorkflowPo {
	return &WorkflowPo{
		ID:              w.ID,
		ParentID:        w.ParentID,
		DefinitionID:    w.DefinitionID,
		StateID:         w.StateID,
		TransitionState: w.TransitionState,
		Started:         w.Started,
		Stopped:         w.Stopped,
		BatchID:         w.BatchID,
		ContextID:       w.ContextID,
		CorrelationID:   w.CorrelationID,
		GroupID:         w.GroupID,
		WorkflowType:    w.WorkflowType,
		Environment:     w.Environment,
	}
}

func (po *WorkflowPo) toWorkflow() *types.WorkflowInstance {
	return &types.WorkflowInstance{
		ID:              po.ID,
		ParentID:        po.ParentID,
		DefinitionID:    po.DefinitionID,
		StateID:         po.StateID,
		TransitionState: po.TransitionState,
		Started:         po.Started,
		Stopped:         po.Stopped,
		BatchID:         po.BatchID,
		ContextID:       po.ContextID,
		CorrelationID:   po.CorrelationID,
		GroupID:         po.GroupID,
		WorkflowType:    po.WorkflowType,
		Environment:     po.Environment,
	}
}

func toTransitionPo(t *types.TransitionInstance) *TransitionPo {
	return &TransitionPo{
		ID:              t.ID,
		WorkflowID:      t.WorkflowID,
		DefinitionID:    t.DefinitionID,
		ParentID:        t.ParentID,
		FromStateID:     t.FromStateID,
		ToStateID:       t.ToStateID,
		Sequence:        t.Sequence,
		SystemID:        t.SystemID,
		TransitionState: t.TransitionState,
		Started:         t.Started,
		Stopped:         t.Stopped,
		ActorID:         t.ActorID,
		BatchID:         t.BatchID,
		Log:             t.Log,
		Code:            t.Code,
		URI:             t.URI,
		ErrorLog:        t.ErrorLog,
		ErrorCode:       t.ErrorCode,
	}
}

func (po *TransitionPo) toTransition() *types.TransitionInstance {
	return &types.TransitionInstance{
		ID:              po.ID,
		WorkflowID:      po.WorkflowID,
		DefinitionID:    po.DefinitionID,
		ParentID:        po.ParentID,
		FromStateID:     po.FromStateID,
		ToStateID:       po.ToStateID,
		Sequence:        po.Sequence,
		SystemID:        po.SystemID,
		TransitionState: po.TransitionState,
		Started:         po.Started,
		Stopped:         po.Stopped,
		ActorID:         po.ActorID,
		BatchID:         po.BatchID,
		Log:             po.Log,
		Code:            po.Code,
		URI:             po.URI,
		ErrorLog:        po.ErrorLog,
		ErrorCode:       po.ErrorCode,
	}
}

func toPropertyPo(p *types.InstanceProperty) *PropertyPo {
	return &PropertyPo{
		ID:           p.ID,
		WorkflowID:   p.WorkflowID,
		TransitionID: p.TransitionID,
		Key:          p.Key,
		Value:        p.Value,
	}
}

func (po *PropertyPo) toProperty() *types.InstanceProperty {
	return &types.InstanceProperty{
		ID:           po.ID,
		WorkflowID:   po.WorkflowID,
		TransitionID: po.TransitionID,
		Key:          po.Key,
		Value:        po.Value,
	}
}

func toBatchPo(b *types.BatchInstance) *BatchPo {
	return &BatchPo{
		ID:           b.ID,
		TransitionID: b.TransitionID,
		WorkflowID:   b.WorkflowID,
		State:        b.State,
		SystemID:     b.SystemID,
		Created:      b.Created,
		Started:      b.Started,
	}
}

func (po *BatchPo) toBatch() *types.BatchInstance {
	return &types.BatchInstance{
		ID:           po.ID,
		TransitionID: po.TransitionID,
		WorkflowID:   po.WorkflowID,
		State:        po.State,
		SystemID:     po.SystemID,
		Created:      po.Created,
		Started:      po.Started,
	}
}
