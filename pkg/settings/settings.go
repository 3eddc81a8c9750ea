// Copyright 2025 Tether Device Management
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settings persists the management records that must survive
// restarts and power loss: user agreement flags, the connection retry
// ladder, polling and bearer state, update lifecycle markers, and the
// values of writable device tree resources.
//
// Records are cached in memory and written through on every change, so
// getters never touch storage. The bootstrap config seeds the records
// on first boot; afterwards the persisted values take precedence.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/tetherdm/tether-agent/pkg/config"
	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/persistence/basic"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
	"github.com/tetherdm/tether-agent/pkg/tools/safejson"
)

// UserAgreement names an operation the user can put behind a
// confirmation prompt. A flag left false keeps the operation automatic.
type UserAgreement string

const (
	AgreementConnect   UserAgreement = "connect"
	AgreementDownload  UserAgreement = "download"
	AgreementInstall   UserAgreement = "install"
	AgreementUninstall UserAgreement = "uninstall"
	AgreementReboot    UserAgreement = "reboot"
)

// Record ids inside the settings collection.
const (
	agreementsRecordID = "agreements"
	sessionRecordID    = "session"
	updateRecordID     = "update"
)

type agreementsRecord struct {
	Connect   bool `json:"connect"`
	Download  bool `json:"download"`
	Install   bool `json:"install"`
	Uninstall bool `json:"uninstall"`
	Reboot    bool `json:"reboot"`
}

type sessionRecord struct {
	RetryTimersMinutes []uint16 `json:"retryTimersMinutes"`
	RetryIndex         int      `json:"retryIndex"`

	PollingIntervalMinutes uint32 `json:"pollingIntervalMinutes"`
	LastConnectionUnix     int64  `json:"lastConnectionUnix"`

	APN      string `json:"apn"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type updateRecord struct {
	State  int `json:"state"`
	Result int `json:"result"`

	DownloadAccepted bool   `json:"downloadAccepted"`
	DownloadType     string `json:"downloadType"`
	DownloadBytes    uint64 `json:"downloadBytes"`
	DownloadResume   bool   `json:"downloadResume"`

	ResendInstallResult   bool `json:"resendInstallResult"`
	ResendUninstallResult bool `json:"resendUninstallResult"`
}

// DownloadMarker records a download the user accepted while the device
// was offline. The pending transfer starts once a session is up, even if
// that session happens after a reboot.
type DownloadMarker struct {
	Type       string
	TotalBytes uint64
	Resume     bool
}

// StoredValue is the persisted shape of a writable device tree resource.
// Exactly one value field is meaningful, selected by Kind.
type StoredValue struct {
	Path  string  `json:"path"`
	Kind  string  `json:"kind"`
	Bool  bool    `json:"bool,omitempty"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Str   string  `json:"str,omitempty"`
	Bytes []byte  `json:"bytes,omitempty"`
}

// Manager is the typed facade over the document store. All methods are
// safe for concurrent use.
type Manager struct {
	db     basic.Store
	logger *zap.SugaredLogger

	mu         sync.Mutex
	agreements agreementsRecord
	session    sessionRecord
	update     updateRecord
}

// NewManager opens the settings collections and loads the cached
// records, seeding them from cfg when they do not exist yet.
func NewManager(ctx context.Context, db basic.Store, cfg config.AgentConfig) (*Manager, error) {
	m := &Manager{
		db:     db,
		logger: logger.For(logger.ComponentSettings),
	}

	for _, collection := range []string{constants.SettingsCollection, constants.ResourceValuesCollection} {
		if err := db.CreateCollection(ctx, collection, nil); err != nil {
			return nil, fmt.Errorf("failed to create collection %q: %w", collection, err)
		}
	}

	if err := m.loadOrSeed(ctx, cfg); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) loadOrSeed(ctx context.Context, cfg config.AgentConfig) error {
	seededAgreements := agreementsRecord{
		Connect:   cfg.Updates.UserAgreements.Connect,
		Download:  cfg.Updates.UserAgreements.Download,
		Install:   cfg.Updates.UserAgreements.Install,
		Uninstall: cfg.Updates.UserAgreements.Uninstall,
		Reboot:    cfg.Updates.UserAgreements.Reboot,
	}

	seededSession := sessionRecord{
		RetryTimersMinutes:     append([]uint16(nil), cfg.Session.RetryTimersMinutes...),
		PollingIntervalMinutes: cfg.Session.PollingIntervalMinutes,
		APN:                    cfg.Bearer.APN,
		Username:               cfg.Bearer.Username,
		Password:               cfg.Bearer.Password,
	}

	if err := m.loadRecord(ctx, agreementsRecordID, &m.agreements, seededAgreements); err != nil {
		return err
	}

	if err := m.loadRecord(ctx, sessionRecordID, &m.session, seededSession); err != nil {
		return err
	}

	if err := m.loadRecord(ctx, updateRecordID, &m.update, updateRecord{}); err != nil {
		return err
	}

	return nil
}

// loadRecord fills out from the stored record, writing seed first when
// the record does not exist yet.
func (m *Manager) loadRecord(ctx context.Context, id string, out interface{}, seed interface{}) error {
	doc, err := m.db.Get(ctx, constants.SettingsCollection, id)
	if errors.Is(err, basic.ErrNotFound) {
		m.logger.Infof("seeding settings record %q", id)

		if err := m.storeRecord(ctx, id, seed); err != nil {
			return err
		}

		return fromDocumentInto(seed, out)
	}

	if err != nil {
		return fmt.Errorf("failed to load settings record %q: %w", id, err)
	}

	if err := fromDocument(doc, out); err != nil {
		return fmt.Errorf("failed to decode settings record %q: %w", id, err)
	}

	return nil
}

func (m *Manager) storeRecord(ctx context.Context, id string, record interface{}) error {
	doc, err := toDocument(record)
	if err != nil {
		return fmt.Errorf("failed to encode settings record %q: %w", id, err)
	}

	if err := m.db.Upsert(ctx, constants.SettingsCollection, id, doc); err != nil {
		return fmt.Errorf("failed to store settings record %q: %w", id, err)
	}

	return nil
}

// GetAgreement reports whether the operation requires user confirmation.
func (m *Manager) GetAgreement(op UserAgreement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op {
	case AgreementConnect:
		return m.agreements.Connect
	case AgreementDownload:
		return m.agreements.Download
	case AgreementInstall:
		return m.agreements.Install
	case AgreementUninstall:
		return m.agreements.Uninstall
	case AgreementReboot:
		return m.agreements.Reboot
	default:
		return false
	}
}

// SetAgreement flips one agreement flag and persists the record.
func (m *Manager) SetAgreement(ctx context.Context, op UserAgreement, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.agreements

	switch op {
	case AgreementConnect:
		updated.Connect = enabled
	case AgreementDownload:
		updated.Download = enabled
	case AgreementInstall:
		updated.Install = enabled
	case AgreementUninstall:
		updated.Uninstall = enabled
	case AgreementReboot:
		updated.Reboot = enabled
	default:
		return fmt.Errorf("%w: unknown agreement %q", standarderrors.ErrBadParameter, op)
	}

	if err := m.storeRecord(ctx, agreementsRecordID, updated); err != nil {
		return err
	}

	m.agreements = updated

	return nil
}

// RetryTimers returns the connection retry ladder in minutes.
func (m *Manager) RetryTimers() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uint16(nil), m.session.RetryTimersMinutes...)
}

// SetRetryTimers replaces the connection retry ladder.
func (m *Manager) SetRetryTimers(ctx context.Context, timers []uint16) error {
	if len(timers) != constants.RetryTimerCount {
		return fmt.Errorf("%w: retry ladder needs %d entries, got %d",
			standarderrors.ErrBadParameter, constants.RetryTimerCount, len(timers))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.session
	updated.RetryTimersMinutes = append([]uint16(nil), timers...)

	if err := m.storeRecord(ctx, sessionRecordID, updated); err != nil {
		return err
	}

	m.session = updated

	return nil
}

// RetryIndex returns the position in the retry ladder the next failed
// connection attempt resumes from.
func (m *Manager) RetryIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session.RetryIndex
}

// SetRetryIndex persists the retry ladder position so an attempt ladder
// survives a reboot mid-way.
func (m *Manager) SetRetryIndex(ctx context.Context, index int) error {
	if index < 0 || index > constants.RetryTimerCount {
		return fmt.Errorf("%w: retry index %d out of range", standarderrors.ErrBadParameter, index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.session
	updated.RetryIndex = index

	if err := m.storeRecord(ctx, sessionRecordID, updated); err != nil {
		return err
	}

	m.session = updated

	return nil
}

// PollingInterval returns how often the agent opens a session on its
// own. Zero disables periodic sessions.
func (m *Manager) PollingInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return time.Duration(m.session.PollingIntervalMinutes) * time.Minute
}

// SetPollingInterval persists the polling interval in minutes.
func (m *Manager) SetPollingInterval(ctx context.Context, minutes uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.session
	updated.PollingIntervalMinutes = minutes

	if err := m.storeRecord(ctx, sessionRecordID, updated); err != nil {
		return err
	}

	m.session = updated

	return nil
}

// LastConnection returns when the last session was established, or the
// zero time when the device never connected.
func (m *Manager) LastConnection() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.LastConnectionUnix == 0 {
		return time.Time{}
	}

	return time.Unix(m.session.LastConnectionUnix, 0)
}

// SetLastConnection records a successful session; the polling timer
// catches up from this mark after a reboot.
func (m *Manager) SetLastConnection(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.session
	updated.LastConnectionUnix = t.Unix()

	if err := m.storeRecord(ctx, sessionRecordID, updated); err != nil {
		return err
	}

	m.session = updated

	return nil
}

// APN returns the bearer access point and credentials.
func (m *Manager) APN() (apn, username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session.APN, m.session.Username, m.session.Password
}

// SetAPN persists the bearer access point and credentials.
func (m *Manager) SetAPN(ctx context.Context, apn, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.session
	updated.APN = apn
	updated.Username = username
	updated.Password = password

	if err := m.storeRecord(ctx, sessionRecordID, updated); err != nil {
		return err
	}

	m.session = updated

	return nil
}

// UpdateStatus returns the persisted update state and result values
// mirrored into the device tree.
func (m *Manager) UpdateStatus() (state, result int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.update.State, m.update.Result
}

// SetUpdateStatus persists the update state and result values.
func (m *Manager) SetUpdateStatus(ctx context.Context, state, result int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.update
	updated.State = state
	updated.Result = result

	if err := m.storeRecord(ctx, updateRecordID, updated); err != nil {
		return err
	}

	m.update = updated

	return nil
}

// DownloadAccepted returns the pending offline-accepted download, if any.
func (m *Manager) DownloadAccepted() (DownloadMarker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.update.DownloadAccepted {
		return DownloadMarker{}, false
	}

	return DownloadMarker{
		Type:       m.update.DownloadType,
		TotalBytes: m.update.DownloadBytes,
		Resume:     m.update.DownloadResume,
	}, true
}

// SetDownloadAccepted marks a download as accepted while offline.
func (m *Manager) SetDownloadAccepted(ctx context.Context, marker DownloadMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.update
	updated.DownloadAccepted = true
	updated.DownloadType = marker.Type
	updated.DownloadBytes = marker.TotalBytes
	updated.DownloadResume = marker.Resume

	if err := m.storeRecord(ctx, updateRecordID, updated); err != nil {
		return err
	}

	m.update = updated

	return nil
}

// ClearDownloadAccepted removes the offline-accepted download marker.
func (m *Manager) ClearDownloadAccepted(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.update
	updated.DownloadAccepted = false
	updated.DownloadType = ""
	updated.DownloadBytes = 0
	updated.DownloadResume = false

	if err := m.storeRecord(ctx, updateRecordID, updated); err != nil {
		return err
	}

	m.update = updated

	return nil
}

// ResendMarker reports whether an install or uninstall result still has
// to be resent to the server after an unobserved accept.
func (m *Manager) ResendMarker(op UserAgreement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op {
	case AgreementInstall:
		return m.update.ResendInstallResult
	case AgreementUninstall:
		return m.update.ResendUninstallResult
	default:
		return false
	}
}

// SetResendMarker flips the resend marker for install or uninstall.
func (m *Manager) SetResendMarker(ctx context.Context, op UserAgreement, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.update

	switch op {
	case AgreementInstall:
		updated.ResendInstallResult = on
	case AgreementUninstall:
		updated.ResendUninstallResult = on
	default:
		return fmt.Errorf("%w: no resend marker for %q", standarderrors.ErrBadParameter, op)
	}

	if err := m.storeRecord(ctx, updateRecordID, updated); err != nil {
		return err
	}

	m.update = updated

	return nil
}

// SaveResourceValue persists one writable resource value.
func (m *Manager) SaveResourceValue(ctx context.Context, value StoredValue) error {
	doc, err := toDocument(value)
	if err != nil {
		return fmt.Errorf("failed to encode resource value %q: %w", value.Path, err)
	}

	if err := m.db.Upsert(ctx, constants.ResourceValuesCollection, resourceKey(value.Path), doc); err != nil {
		return fmt.Errorf("failed to store resource value %q: %w", value.Path, err)
	}

	return nil
}

// SaveResourceValues persists a batch of resource values in one
// transaction, so a multi-resource write survives power loss whole.
func (m *Manager) SaveResourceValues(ctx context.Context, values []StoredValue) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin resource value transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, value := range values {
		doc, err := toDocument(value)
		if err != nil {
			return fmt.Errorf("failed to encode resource value %q: %w", value.Path, err)
		}

		if err := tx.Upsert(ctx, constants.ResourceValuesCollection, resourceKey(value.Path), doc); err != nil {
			return fmt.Errorf("failed to store resource value %q: %w", value.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resource values: %w", err)
	}

	return nil
}

// LoadResourceValue returns the persisted value for path, or
// standarderrors.ErrNotFound when the resource was never written.
func (m *Manager) LoadResourceValue(ctx context.Context, path string) (StoredValue, error) {
	doc, err := m.db.Get(ctx, constants.ResourceValuesCollection, resourceKey(path))
	if errors.Is(err, basic.ErrNotFound) {
		return StoredValue{}, fmt.Errorf("no stored value for %q: %w", path, standarderrors.ErrNotFound)
	}
	if err != nil {
		return StoredValue{}, err
	}

	var value StoredValue
	if err := fromDocument(doc, &value); err != nil {
		return StoredValue{}, fmt.Errorf("failed to decode resource value %q: %w", path, err)
	}

	// The key is a hash; make sure we did not collide with another path.
	if value.Path != path {
		m.logger.Warnf("resource value key collision: wanted %q, found %q", path, value.Path)

		return StoredValue{}, fmt.Errorf("no stored value for %q: %w", path, standarderrors.ErrNotFound)
	}

	return value, nil
}

// DeleteResourceValue removes the persisted value for path. Deleting a
// value that was never written is not an error.
func (m *Manager) DeleteResourceValue(ctx context.Context, path string) error {
	err := m.db.Delete(ctx, constants.ResourceValuesCollection, resourceKey(path))
	if errors.Is(err, basic.ErrNotFound) {
		return nil
	}

	return err
}

// resourceKey derives the document id for a resource path. Paths exceed
// the store's id ergonomics (slashes, length), so they are hashed; the
// stored document keeps the full path for collision checks.
func resourceKey(path string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(path))
}

func toDocument(v interface{}) (basic.Document, error) {
	data, err := safejson.Marshal(v)
	if err != nil {
		return nil, err
	}

	var doc basic.Document
	if err := safejson.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

func fromDocument(doc basic.Document, out interface{}) error {
	data, err := safejson.Marshal(doc)
	if err != nil {
		return err
	}

	return safejson.Unmarshal(data, out)
}

// fromDocumentInto copies one record struct into another via the same
// JSON path the store uses, keeping seed and loaded shapes identical.
func fromDocumentInto(record interface{}, out interface{}) error {
	data, err := safejson.Marshal(record)
	if err != nil {
		return err
	}

	return safejson.Unmarshal(data, out)
}
