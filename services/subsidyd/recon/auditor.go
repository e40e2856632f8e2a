package recon

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"agrisubsidy/observability"
	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/digest"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// Anomaly types reported by the auditor.
const (
	AnomalyMissingEvent     = "missing_onchain_event"
	AnomalyDigestMismatch   = "digest_mismatch"
	AnomalyClaimIDMismatch  = "claim_id_mismatch"
	AnomalyProgramUnlinked  = "program_missing_event"
	AnomalyProgramMismatch  = "program_onchain_mismatch"
	AnomalySyncPending      = "sync_pending"
	AnomalyUnrecordedClaim  = "unrecorded_onchain_claim"
	defaultAuditGracePeriod = time.Hour
)

// Report formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// AlertFunc is invoked for every anomaly an audit raises.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly is a disagreement between the record store and the ledger that
// needs operator review.
type Anomaly struct {
	Type      string     `json:"type"`
	ClaimID   *uuid.UUID `json:"claim_id,omitempty"`
	ProgramID *uuid.UUID `json:"program_id,omitempty"`
	IntentID  *uuid.UUID `json:"intent_id,omitempty"`
	TxHash    string     `json:"tx_hash,omitempty"`
	Details   string     `json:"details"`
}

// AuditRow summarises the audit of one claim.
type AuditRow struct {
	ClaimID          uuid.UUID
	ProgramID        uuid.UUID
	FarmerID         string
	AmountWei        string
	Status           string
	OnchainClaimID   string
	TxHash           string
	StoredDigest     string
	RecomputedDigest string
	EventDigest      string
	EventFound       bool
	DigestMatch      bool
	CreatedAt        time.Time
}

// AuditResult summarises an audit run.
type AuditResult struct {
	StartedAt time.Time  `json:"started_at"`
	Claims    int        `json:"claims"`
	Programs  int        `json:"programs"`
	Rows      []AuditRow `json:"-"`
	Anomalies []Anomaly  `json:"anomalies"`
	Files     []string   `json:"files,omitempty"`
}

// AuditorConfig wires an Auditor.
type AuditorConfig struct {
	Store     *store.Store
	OutputDir string
	// Formats selects report files; empty writes both CSV and Parquet.
	Formats []string
	DryRun  bool
	// Grace skips records younger than this, giving the indexer time to
	// catch up.
	Grace   time.Duration
	Alert   AlertFunc
	Logger  *slog.Logger
	Metrics *observability.SubsidydMetrics
	Now     func() time.Time
}

// Auditor recomputes stored claim digests and cross-checks them, and program
// activations, against indexed contract events.
type Auditor struct {
	store     *store.Store
	outputDir string
	formats   map[string]bool
	dryRun    bool
	grace     time.Duration
	alert     AlertFunc
	logger    *slog.Logger
	metrics   *observability.SubsidydMetrics
	now       func() time.Time
}

// NewAuditor validates cfg and returns an Auditor.
func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: auditor store is required")
	}
	if !cfg.DryRun && strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("recon: auditor output directory is required")
	}
	formats := map[string]bool{}
	for _, f := range cfg.Formats {
		switch f = strings.ToLower(strings.TrimSpace(f)); f {
		case FormatCSV, FormatParquet:
			formats[f] = true
		default:
			return nil, fmt.Errorf("recon: unknown audit format %q", f)
		}
	}
	if len(formats) == 0 {
		formats[FormatCSV] = true
		formats[FormatParquet] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultAuditGracePeriod
	}
	return &Auditor{
		store:     cfg.Store,
		outputDir: cfg.OutputDir,
		formats:   formats,
		dryRun:    cfg.DryRun,
		grace:     grace,
		alert:     cfg.Alert,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}, nil
}

// Run audits every claim, every active program and the stuck intents, then
// writes the reports.
func (a *Auditor) Run(ctx context.Context) (*AuditResult, error) {
	res := &AuditResult{StartedAt: a.now().UTC()}
	cutoff := res.StartedAt.Add(-a.grace)

	recorded := map[string]struct{}{}
	err := a.store.AllClaims(ctx, func(batch []models.Claim) error {
		for _, claim := range batch {
			recorded[claim.OnchainTxHash] = struct{}{}
			if claim.CreatedAt.After(cutoff) {
				continue
			}
			row, anomalies, err := a.auditClaim(ctx, claim)
			if err != nil {
				return err
			}
			res.Claims++
			res.Rows = append(res.Rows, row)
			for _, an := range anomalies {
				res.Anomalies = append(res.Anomalies, a.raise(ctx, an))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recon: audit claims: %w", err)
	}

	programs, anomalies, err := a.auditPrograms(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	res.Programs = programs
	for _, an := range anomalies {
		res.Anomalies = append(res.Anomalies, a.raise(ctx, an))
	}

	anomalies, err = a.auditEvents(ctx, recorded, cutoff)
	if err != nil {
		return nil, err
	}
	for _, an := range anomalies {
		res.Anomalies = append(res.Anomalies, a.raise(ctx, an))
	}

	stuck, err := a.store.ListIntents(ctx, store.IntentFilter{
		States: []models.IntentState{models.IntentStoreFailedAfterLedger},
		Limit:  500,
	})
	if err != nil {
		return nil, fmt.Errorf("recon: audit intents: %w", err)
	}
	for _, in := range stuck {
		id := in.ID
		res.Anomalies = append(res.Anomalies, a.raise(ctx, Anomaly{
			Type:     AnomalySyncPending,
			IntentID: &id,
			TxHash:   in.TxHash,
			Details:  fmt.Sprintf("%s recorded on chain but not in the store: %s", in.Kind, in.LastError),
		}))
	}

	if !a.dryRun {
		files, err := a.writeReports(res)
		if err != nil {
			return res, err
		}
		res.Files = files
	}
	a.logger.Info("audit complete",
		slog.Int("claims", res.Claims),
		slog.Int("programs", res.Programs),
		slog.Int("anomalies", len(res.Anomalies)))
	return res, nil
}

func (a *Auditor) auditClaim(ctx context.Context, claim models.Claim) (AuditRow, []Anomaly, error) {
	id := claim.ID
	row := AuditRow{
		ClaimID:        claim.ID,
		ProgramID:      claim.ProgramID,
		FarmerID:       claim.FarmerID,
		AmountWei:      claim.AmountWei,
		Status:         string(claim.Status),
		OnchainClaimID: claim.OnchainClaimID,
		TxHash:         claim.OnchainTxHash,
		StoredDigest:   claim.MetadataDigest,
		CreatedAt:      claim.CreatedAt,
	}
	var anomalies []Anomaly

	recomputed, err := digest.Metadata{
		AmountWei:        claim.AmountWei,
		Remarks:          claim.Remarks,
		ProgramID:        claim.ProgramID.String(),
		ProgramOnchainID: claim.ProgramOnchainID,
		SubmittedAt:      claim.SubmittedAt,
	}.Digest()
	if err == nil {
		row.RecomputedDigest = strings.ToLower(recomputed.Hex())
	}
	if err != nil || row.RecomputedDigest != strings.ToLower(claim.MetadataDigest) {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyDigestMismatch,
			ClaimID: &id,
			TxHash:  claim.OnchainTxHash,
			Details: fmt.Sprintf("stored fields hash to %s, record carries %s", row.RecomputedDigest, claim.MetadataDigest),
		})
	}

	events, err := a.store.EventsByTx(ctx, claim.OnchainTxHash)
	if err != nil {
		return row, nil, fmt.Errorf("recon: audit claim %s events: %w", claim.ID, err)
	}
	var event *models.IndexedEvent
	for i := range events {
		if events[i].Name == contract.EventClaimSubmitted {
			event = &events[i]
			break
		}
	}
	if event == nil {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyMissingEvent,
			ClaimID: &id,
			TxHash:  claim.OnchainTxHash,
			Details: "no indexed ClaimSubmitted event for the claim transaction",
		})
		return row, anomalies, nil
	}
	row.EventFound = true
	row.EventDigest = event.MetadataDigest
	row.DigestMatch = event.MetadataDigest == row.RecomputedDigest
	if !row.DigestMatch {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyDigestMismatch,
			ClaimID: &id,
			TxHash:  claim.OnchainTxHash,
			Details: fmt.Sprintf("on-chain digest %s differs from recomputed %s", event.MetadataDigest, row.RecomputedDigest),
		})
	}
	if event.EntityID != claim.OnchainClaimID {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyClaimIDMismatch,
			ClaimID: &id,
			TxHash:  claim.OnchainTxHash,
			Details: fmt.Sprintf("event claim id %s, record claim id %s", event.EntityID, claim.OnchainClaimID),
		})
	}
	return row, anomalies, nil
}

func (a *Auditor) auditPrograms(ctx context.Context, cutoff time.Time) (int, []Anomaly, error) {
	var (
		anomalies []Anomaly
		count     int
	)
	const page = 500
	for offset := 0; ; offset += page {
		programs, err := a.store.ListPrograms(ctx, store.ProgramFilter{Status: models.ProgramActive, Limit: page, Offset: offset})
		if err != nil {
			return count, nil, fmt.Errorf("recon: audit programs: %w", err)
		}
		for _, p := range programs {
			if p.ActivatedAt != nil && p.ActivatedAt.After(cutoff) {
				continue
			}
			count++
			id := p.ID
			onchain := ""
			if p.OnchainID != nil {
				onchain = *p.OnchainID
			}
			ev, err := a.store.EventByEntity(ctx, contract.EventProgramCreated, onchain)
			if errors.Is(err, store.ErrNotFound) {
				anomalies = append(anomalies, Anomaly{
					Type:      AnomalyProgramUnlinked,
					ProgramID: &id,
					Details:   fmt.Sprintf("no indexed ProgramCreated event for on-chain id %q", onchain),
				})
				continue
			}
			if err != nil {
				return count, nil, fmt.Errorf("recon: audit program %s: %w", p.ID, err)
			}
			var params map[string]any
			_ = json.Unmarshal([]byte(ev.Params), &params)
			if offchain, _ := params["offchainId"].(string); offchain != p.ID.String() {
				anomalies = append(anomalies, Anomaly{
					Type:      AnomalyProgramMismatch,
					ProgramID: &id,
					TxHash:    ev.TxHash,
					Details:   fmt.Sprintf("on-chain program %s was created for %q", onchain, offchain),
				})
			}
		}
		if len(programs) < page {
			return count, anomalies, nil
		}
	}
}

// auditEvents reports ClaimSubmitted events with no claim record and no
// intent that is still converging.
func (a *Auditor) auditEvents(ctx context.Context, recorded map[string]struct{}, cutoff time.Time) ([]Anomaly, error) {
	var anomalies []Anomaly
	const page = 500
	for offset := 0; ; offset += page {
		events, err := a.store.ListEvents(ctx, store.EventFilter{Name: contract.EventClaimSubmitted, Limit: page, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("recon: audit events: %w", err)
		}
		for _, ev := range events {
			if _, ok := recorded[ev.TxHash]; ok || ev.CreatedAt.After(cutoff) {
				continue
			}
			in, err := a.store.IntentByTxHash(ctx, ev.TxHash)
			if err == nil && in.State == models.IntentStoreFailedAfterLedger {
				// Reported with the stuck intents.
				continue
			}
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyUnrecordedClaim,
				TxHash:  ev.TxHash,
				Details: fmt.Sprintf("on-chain claim %s has no claim record", ev.EntityID),
			})
		}
		if len(events) < page {
			return anomalies, nil
		}
	}
}

func (a *Auditor) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	a.metrics.RecordAnomaly(anomaly.Type)
	a.logger.Warn("audit anomaly", slog.String("type", anomaly.Type), slog.String("tx_hash", anomaly.TxHash), slog.String("details", anomaly.Details))
	if a.alert != nil {
		if err := a.alert(ctx, anomaly); err != nil {
			a.logger.Error("audit alert delivery failed", slog.String("error", err.Error()))
		}
	}
	return anomaly
}

func (a *Auditor) writeReports(res *AuditResult) ([]string, error) {
	runDir := filepath.Join(a.outputDir, res.StartedAt.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create report dir: %w", err)
	}
	var files []string
	if a.formats[FormatCSV] {
		path := filepath.Join(runDir, "claims.csv")
		if err := writeClaimsCSV(path, res.Rows); err != nil {
			return files, err
		}
		files = append(files, path)
		path = filepath.Join(runDir, "anomalies.csv")
		if err := writeAnomaliesCSV(path, res.Anomalies); err != nil {
			return files, err
		}
		files = append(files, path)
	}
	if a.formats[FormatParquet] {
		path := filepath.Join(runDir, "claims.parquet")
		if err := writeClaimsParquet(path, res.Rows); err != nil {
			return files, err
		}
		files = append(files, path)
	}
	for _, f := range files {
		a.logger.Info("audit report written", slog.String("path", f))
	}
	return files, nil
}

func writeClaimsCSV(path string, rows []AuditRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"claim_id", "program_id", "farmer_id", "amount_wei", "status", "onchain_claim_id", "tx_hash",
		"stored_digest", "recomputed_digest", "event_digest", "event_found", "digest_match", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ClaimID.String(),
			row.ProgramID.String(),
			row.FarmerID,
			row.AmountWei,
			row.Status,
			row.OnchainClaimID,
			row.TxHash,
			row.StoredDigest,
			row.RecomputedDigest,
			row.EventDigest,
			strconv.FormatBool(row.EventFound),
			strconv.FormatBool(row.DigestMatch),
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

func writeAnomaliesCSV(path string, anomalies []Anomaly) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"type", "claim_id", "program_id", "intent_id", "tx_hash", "details"}); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, an := range anomalies {
		if err := w.Write([]string{an.Type, uuidString(an.ClaimID), uuidString(an.ProgramID), uuidString(an.IntentID), an.TxHash, an.Details}); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type auditParquetRow struct {
	ClaimID          string `parquet:"name=claim_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProgramID        string `parquet:"name=program_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	FarmerID         string `parquet:"name=farmer_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountWei        string `parquet:"name=amount_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	OnchainClaimID   string `parquet:"name=onchain_claim_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash           string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	StoredDigest     string `parquet:"name=stored_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecomputedDigest string `parquet:"name=recomputed_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventDigest      string `parquet:"name=event_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventFound       bool   `parquet:"name=event_found, type=BOOLEAN"`
	DigestMatch      bool   `parquet:"name=digest_match, type=BOOLEAN"`
	CreatedAt        string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeClaimsParquet(path string, rows []AuditRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(auditParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &auditParquetRow{
			ClaimID:          row.ClaimID.String(),
			ProgramID:        row.ProgramID.String(),
			FarmerID:         row.FarmerID,
			AmountWei:        row.AmountWei,
			Status:           row.Status,
			OnchainClaimID:   row.OnchainClaimID,
			TxHash:           row.TxHash,
			StoredDigest:     row.StoredDigest,
			RecomputedDigest: row.RecomputedDigest,
			EventDigest:      row.EventDigest,
			EventFound:       row.EventFound,
			DigestMatch:      row.DigestMatch,
			CreatedAt:        row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
