package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/generic/store"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/tilbakekreving"
)

const saksnummer = generic.Saksnummer(10002099)

func payload(kontrollfelt string, saksnummer generic.Saksnummer, newGross string) string {
	return fmt.Sprintf(`{
  "kravgrunnlagId": "298604",
  "vedtakId": "436204",
  "kodeStatusKrav": "NY",
  "fagsystemId": "%d",
  "kontrollfelt": %q,
  "saksbehId": "K231B433",
  "referanse": "utbetaling-1",
  "tilbakekrevingsPeriode": [{
    "periode": {"fom": "2021-05-01", "tom": "2021-05-31"},
    "belopSkattMnd": "4395.00",
    "tilbakekrevingsBelop": [
      {"kodeKlasse": "SUUFORE", "typeKlasse": "YTEL", "belopOpprUtbet": "20000.00", "belopNy": %q,
       "belopTilbakekreves": "%s", "skattProsent": "25.0000"},
      {"kodeKlasse": "KL_KODE_FEIL_INNT", "typeKlasse": "FEIL", "belopOpprUtbet": "0.00",
       "belopNy": "%s", "belopTilbakekreves": "0.00", "skattProsent": "0.0000"}
    ]
  }]
}`, saksnummer, kontrollfelt, newGross, overpayment(newGross), overpayment(newGross))
}

func overpayment(newGross string) string {
	amount, err := generic.ParseAmount(newGross)
	if err != nil {
		panic(err)
	}
	return generic.NOK(20000).Sub(amount).String()
}

func withStatus(body string, status kravgrunnlag.Status) string {
	return strings.Replace(body, `"kodeStatusKrav": "NY"`, fmt.Sprintf(`"kodeStatusKrav": %q`, status), 1)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []error
}

func (a *recordingAlerter) Alert(_ context.Context, _ kravgrunnlag.RawMessage, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, err)
}

type jobFixture struct {
	raw     *store.RawMemory
	svc     *tilbakekreving.Service
	alerter *recordingAlerter
	sak     generic.Sak
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()
	mem := store.NewMemory()
	logger, _ := test.NewNullLogger()
	svc := tilbakekreving.NewService(mem, mem, nil, logger)
	sak, err := svc.RegisterSak(context.Background(), saksnummer, generic.SakTypeUfore)
	require.NoError(t, err)
	return &jobFixture{raw: store.NewRawMemory(), svc: svc, alerter: &recordingAlerter{}, sak: sak}
}

func (f *jobFixture) job(cases Cases, retries int) *Job {
	logger, _ := test.NewNullLogger()
	return NewJob(f.raw, cases, f.alerter, Config{MaxRetries: retries}, logger)
}

func (f *jobFixture) deliver(t *testing.T, extID, body string) kravgrunnlag.RawMessage {
	t.Helper()
	msg := kravgrunnlag.NewRawMessage(extID, saksnummer, body, time.Now())
	inserted, err := f.raw.Save(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, inserted)
	return msg
}

func (f *jobFixture) openCase(t *testing.T) tilbakekreving.Case {
	t.Helper()
	c, err := f.svc.Create(context.Background(), f.sak.ID, "S123456", nil)
	require.NoError(t, err)
	return c
}

func unprocessed(t *testing.T, raw kravgrunnlag.RawStore) int {
	t.Helper()
	msgs, err := raw.ListUnprocessed(context.Background())
	require.NoError(t, err)
	return len(msgs)
}

func TestJob_AppliesBasisAndMarksProcessed(t *testing.T) {
	// GIVEN: An open case and a stored claim basis message for its sak
	f := newJobFixture(t)
	c := f.openCase(t)
	f.deliver(t, "mq-1", payload("2021-06-08-12.05.36.123456", saksnummer, "0.00"))

	// WHEN: The job runs
	report := f.job(f.svc, 3).Run(context.Background())

	// THEN: The case holds the basis and the message is done
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeApplied, report.Results[0].Outcome)
	assert.Equal(t, c.Header().ID, report.Results[0].CaseID)
	assert.Equal(t, 0, unprocessed(t, f.raw))
	assert.Empty(t, f.alerter.alerts)

	got, err := f.svc.Get(context.Background(), f.sak.ID, c.Header().ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimBasis())
	assert.Equal(t, "2021-06-08-12.05.36.123456", got.ClaimBasis().EksternKontrollfelt)

	// AND: Running again does nothing
	again := f.job(f.svc, 3).Run(context.Background())
	assert.Empty(t, again.Results)
}

func TestJob_RedeliveredBasisIsDuplicate(t *testing.T) {
	// GIVEN: A basis that was already applied
	f := newJobFixture(t)
	c := f.openCase(t)
	body := payload("2021-06-08-12.05.36.123456", saksnummer, "0.00")
	f.deliver(t, "mq-1", body)
	f.job(f.svc, 3).Run(context.Background())

	// WHEN: The same basis arrives in a new message
	f.deliver(t, "mq-2", body)
	report := f.job(f.svc, 3).Run(context.Background())

	// THEN: No new case event, but the message is marked processed
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeDuplicate, report.Results[0].Outcome)
	assert.Equal(t, 0, unprocessed(t, f.raw))
	history, err := f.svc.History(context.Background(), c.Header().SakID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestJob_ChangedBasisReplacesOld(t *testing.T) {
	f := newJobFixture(t)
	c := f.openCase(t)
	f.deliver(t, "mq-1", payload("2021-06-08-12.05.36.123456", saksnummer, "0.00"))
	f.deliver(t, "mq-2", payload("2021-07-01-09.30.12.654321", saksnummer, "5000.00"))

	report := f.job(f.svc, 3).Run(context.Background())

	assert.Equal(t, 2, report.Applied())
	got, err := f.svc.Get(context.Background(), f.sak.ID, c.Header().ID)
	require.NoError(t, err)
	assert.Equal(t, "2021-07-01-09.30.12.654321", got.ClaimBasis().EksternKontrollfelt)
	assert.Equal(t, "15000.00", got.ClaimBasis().TotalOverpayment().String())
}

func TestJob_LateOlderBasisIsSuperseded(t *testing.T) {
	// GIVEN: An open case and the July basis delivered before the June one
	f := newJobFixture(t)
	c := f.openCase(t)
	f.deliver(t, "mq-1", payload("2021-07-01-09.30.12.654321", saksnummer, "5000.00"))
	f.deliver(t, "mq-2", payload("2021-06-08-12.05.36.123456", saksnummer, "0.00"))

	// WHEN: The job runs
	report := f.job(f.svc, 3).Run(context.Background())

	// THEN: July is applied, June is marked processed without touching the case
	require.Len(t, report.Results, 2)
	assert.Equal(t, OutcomeApplied, report.Results[0].Outcome)
	assert.Equal(t, OutcomeSuperseded, report.Results[1].Outcome)
	assert.Equal(t, 1, report.Superseded())
	assert.Equal(t, 0, unprocessed(t, f.raw))
	assert.Empty(t, f.alerter.alerts)

	got, err := f.svc.Get(context.Background(), f.sak.ID, c.Header().ID)
	require.NoError(t, err)
	assert.Equal(t, "2021-07-01-09.30.12.654321", got.ClaimBasis().EksternKontrollfelt)
	assert.Equal(t, "15000.00", got.ClaimBasis().TotalOverpayment().String())
	history, err := f.svc.History(context.Background(), f.sak.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestJob_ClosedBasisIsNotDelivered(t *testing.T) {
	tests := []struct {
		name       string
		openCase   bool
		wantAlerts int
	}{
		{name: "open case on the sak", openCase: true, wantAlerts: 1},
		{name: "no open case", openCase: false, wantAlerts: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: An annulment notice for the sak
			f := newJobFixture(t)
			var c tilbakekreving.Case
			if tt.openCase {
				c = f.openCase(t)
			}
			f.deliver(t, "mq-1", withStatus(payload("2021-07-01-09.30.12.654321", saksnummer, "0.00"), kravgrunnlag.StatusAnnulled))

			// WHEN: The job runs
			report := f.job(f.svc, 3).Run(context.Background())

			// THEN: It is marked processed as closed and never reaches a case
			require.Len(t, report.Results, 1)
			assert.Equal(t, OutcomeClosed, report.Results[0].Outcome)
			assert.NoError(t, report.Results[0].Err())
			assert.Equal(t, 0, unprocessed(t, f.raw))
			require.Len(t, f.alerter.alerts, tt.wantAlerts)
			if !tt.openCase {
				return
			}
			assert.ErrorIs(t, f.alerter.alerts[0], tilbakekreving.ErrClaimBasisClosed)
			assert.Equal(t, c.Header().ID, report.Results[0].CaseID)
			got, err := f.svc.Get(context.Background(), f.sak.ID, c.Header().ID)
			require.NoError(t, err)
			assert.Nil(t, got.ClaimBasis())
		})
	}
}

func TestJob_IntegrityFailuresStayUnprocessed(t *testing.T) {
	tests := []struct {
		name     string
		openCase bool
		body     string
		want     error
	}{
		{
			name:     "malformed payload",
			openCase: true,
			body:     `{"kravgrunnlagId": "1"}`,
			want:     kravgrunnlag.ErrMalformedClaimBasis,
		},
		{
			name: "no open case",
			body: payload("k1", saksnummer, "0.00"),
			want: ErrNoOpenCase,
		},
		{
			name:     "unknown saksnummer",
			openCase: true,
			body:     payload("k1", 999, "0.00"),
			want:     ErrWrongSak,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newJobFixture(t)
			if tt.openCase {
				f.openCase(t)
			}
			f.deliver(t, "mq-1", tt.body)

			report := f.job(f.svc, 3).Run(context.Background())

			require.Len(t, report.Results, 1)
			assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
			assert.ErrorIs(t, report.Results[0].Err(), tt.want)
			assert.NotEmpty(t, report.Results[0].Error)
			require.Len(t, f.alerter.alerts, 1)
			assert.ErrorIs(t, f.alerter.alerts[0], tt.want)
			assert.Equal(t, 1, unprocessed(t, f.raw))
		})
	}
}

func TestJob_UnregisteredSak(t *testing.T) {
	f := newJobFixture(t)
	msg := kravgrunnlag.NewRawMessage("mq-1", 0, payload("k1", 555, "0.00"), time.Now())
	_, err := f.raw.Save(context.Background(), msg)
	require.NoError(t, err)

	report := f.job(f.svc, 3).Run(context.Background())

	require.Len(t, report.Results, 1)
	assert.True(t, generic.IsNotFound(report.Results[0].Err()))
	assert.Equal(t, 1, unprocessed(t, f.raw))
}

// flakyCases fails the first n deliveries with a version conflict.
type flakyCases struct {
	*tilbakekreving.Service
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyCases) ReceiveClaimBasis(ctx context.Context, cmd tilbakekreving.Command, basis kravgrunnlag.Kravgrunnlag, rawID string) (tilbakekreving.Case, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, &generic.VersionConflictError{SakID: cmd.SakID}
	}
	return f.Service.ReceiveClaimBasis(ctx, cmd, basis, rawID)
}

func TestJob_RetriesOnConflict(t *testing.T) {
	f := newJobFixture(t)
	f.openCase(t)
	f.deliver(t, "mq-1", payload("k1", saksnummer, "0.00"))
	cases := &flakyCases{Service: f.svc, failures: 2}

	report := f.job(cases, 3).Run(context.Background())

	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeApplied, report.Results[0].Outcome)
	assert.Equal(t, 3, report.Results[0].Attempts)
	assert.Equal(t, 0, unprocessed(t, f.raw))
}

func TestJob_RetriesAreBounded(t *testing.T) {
	f := newJobFixture(t)
	f.openCase(t)
	f.deliver(t, "mq-1", payload("k1", saksnummer, "0.00"))
	cases := &flakyCases{Service: f.svc, failures: 10}

	report := f.job(cases, 2).Run(context.Background())

	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.Equal(t, 3, report.Results[0].Attempts)
	assert.True(t, generic.IsRetryable(report.Results[0].Err()))
	assert.Equal(t, 1, unprocessed(t, f.raw))
	assert.Len(t, f.alerter.alerts, 1)
}

func TestScheduler_RunNowKeepsLastReport(t *testing.T) {
	f := newJobFixture(t)
	f.openCase(t)
	f.deliver(t, "mq-1", payload("k1", saksnummer, "0.00"))
	logger, _ := test.NewNullLogger()
	s := NewScheduler(f.job(f.svc, 3), time.Hour, logger)

	_, ok := s.LastReport()
	assert.False(t, ok)

	report := s.RunNow(context.Background())
	assert.Equal(t, 1, report.Applied())

	last, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, last.Applied())
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	f := newJobFixture(t)
	f.openCase(t)
	f.deliver(t, "mq-1", payload("k1", saksnummer, "0.00"))
	logger, _ := test.NewNullLogger()
	s := NewScheduler(f.job(f.svc, 3), time.Hour, logger)

	s.Start()
	require.Eventually(t, func() bool { return unprocessed(t, f.raw) == 0 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}
