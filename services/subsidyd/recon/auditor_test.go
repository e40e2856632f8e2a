package recon

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/models"
)

func anomalyTypes(anomalies []Anomaly) []string {
	out := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, a.Type)
	}
	return out
}

func TestAuditorCrossChecksClaimsAndPrograms(t *testing.T) {
	s := setupStore(t)
	l := newFakeLedger()
	c := newCoordinator(t, s, l, nil)
	program := activeProgram(t, s, "1")
	ctx := context.Background()

	out, err := c.SubmitClaim(ctx, farmer("farmer-1"), claimRequest(program, "k1"))
	require.NoError(t, err)
	claim := out.Claim

	require.NoError(t, s.UpsertEvents(ctx, []models.IndexedEvent{
		{
			ID:          "0x" + strings.Repeat("a", 64) + "-0",
			Name:        contract.EventProgramCreated,
			TxHash:      "0x" + strings.Repeat("a", 64),
			BlockNumber: 10,
			EntityID:    "1",
			Params:      `{"programId":"1","offchainId":"` + program.ID.String() + `"}`,
		},
		{
			ID:             claim.OnchainTxHash + "-0",
			Name:           contract.EventClaimSubmitted,
			TxHash:         claim.OnchainTxHash,
			BlockNumber:    11,
			EntityID:       claim.OnchainClaimID,
			MetadataDigest: claim.MetadataDigest,
		},
	}))

	var alerts []Anomaly
	auditor, err := NewAuditor(AuditorConfig{
		Store:     s,
		OutputDir: filepath.Join(t.TempDir(), "audit"),
		Now:       func() time.Time { return time.Now().Add(2 * time.Hour) },
		Alert: func(_ context.Context, a Anomaly) error {
			alerts = append(alerts, a)
			return nil
		},
	})
	require.NoError(t, err)

	res, err := auditor.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Anomalies)
	require.Equal(t, 1, res.Claims)
	require.Equal(t, 1, res.Programs)
	require.Len(t, res.Files, 3)
	for _, f := range res.Files {
		_, err := os.Stat(f)
		require.NoError(t, err)
	}
	require.True(t, res.Rows[0].DigestMatch)

	// Tamper with the indexed digest, add an unlinked active program and an
	// on-chain claim the store never recorded.
	require.NoError(t, s.DB().Model(&models.IndexedEvent{}).
		Where("id = ?", claim.OnchainTxHash+"-0").
		Update("metadata_digest", "0x"+strings.Repeat("0", 64)).Error)
	activeProgram(t, s, "2")
	orphanTx := "0x" + strings.Repeat("b", 64)
	require.NoError(t, s.UpsertEvents(ctx, []models.IndexedEvent{{
		ID:       orphanTx + "-0",
		Name:     contract.EventClaimSubmitted,
		TxHash:   orphanTx,
		EntityID: "44",
	}}))

	res, err = auditor.Run(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{AnomalyDigestMismatch, AnomalyProgramUnlinked, AnomalyUnrecordedClaim}, anomalyTypes(res.Anomalies))
	require.Len(t, alerts, 3)

	var anomaliesCSV string
	for _, f := range res.Files {
		if strings.HasSuffix(f, "anomalies.csv") {
			anomaliesCSV = f
		}
	}
	file, err := os.Open(anomaliesCSV)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, "type", records[0][0])
}

func TestAuditorReportsSyncPendingIntents(t *testing.T) {
	s := setupStore(t)
	l := newFakeLedger()
	c := newCoordinator(t, s, l, nil)
	program := activeProgram(t, s, "1")
	injectStoreFault(t, s, "claims", 100)

	_, err := c.SubmitClaim(context.Background(), farmer("farmer-1"), claimRequest(program, "k1"))
	require.ErrorIs(t, err, ErrStoreWriteFailed)

	auditor, err := NewAuditor(AuditorConfig{Store: s, DryRun: true, Formats: []string{"csv"}})
	require.NoError(t, err)
	res, err := auditor.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, anomalyTypes(res.Anomalies), AnomalySyncPending)
	require.Empty(t, res.Files)
}

func TestNewAuditorRejectsUnknownFormat(t *testing.T) {
	s := setupStore(t)
	_, err := NewAuditor(AuditorConfig{Store: s, OutputDir: t.TempDir(), Formats: []string{"xlsx"}})
	require.Error(t, err)
	_, err = NewAuditor(AuditorConfig{Store: s})
	require.Error(t, err)
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	before := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC), s.nextRun(before))
	after := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC), s.nextRun(after))

	clamped := NewScheduler(SchedulerConfig{RunHour: 40, RunMinute: -5})
	require.Equal(t, 23, clamped.runHour)
	require.Equal(t, 0, clamped.runMinute)
}
