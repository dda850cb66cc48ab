package tilbakekreving

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/generic/store"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/oppdrag"
)

type fakeSettler struct {
	mu          sync.Mutex
	settleErr   error
	annulErr    error
	settlements []oppdrag.SettlementRequest
	annulments  []string
}

func (f *fakeSettler) SendSettlement(_ context.Context, req oppdrag.SettlementRequest) (oppdrag.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements = append(f.settlements, req)
	if f.settleErr != nil {
		return oppdrag.Receipt{}, f.settleErr
	}
	return okReceipt, nil
}

func (f *fakeSettler) AnnulClaimBasis(_ context.Context, basis kravgrunnlag.Kravgrunnlag, _ string) (oppdrag.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annulments = append(f.annulments, basis.EksternKravgrunnlagID)
	if f.annulErr != nil {
		return oppdrag.Receipt{}, f.annulErr
	}
	return okReceipt, nil
}

type serviceFixture struct {
	svc     *Service
	settler *fakeSettler
	hook    *test.Hook
	sak     generic.Sak
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mem := store.NewMemory()
	logger, hook := test.NewNullLogger()
	settler := &fakeSettler{}
	svc := NewService(mem, mem, settler, logger)
	sak, err := svc.RegisterSak(context.Background(), 10002099, generic.SakTypeUfore)
	require.NoError(t, err)
	return &serviceFixture{svc: svc, settler: settler, hook: hook, sak: sak}
}

func (f *serviceFixture) cmd(c Case, actor string) Command {
	return Command{SakID: c.Header().SakID, CaseID: c.Header().ID, Cursor: CursorAfter(c.Header().Head), Actor: actor}
}

// toAttestation creates a case with a basis and takes it to AwaitingAttestation.
func (f *serviceFixture) toAttestation(t *testing.T) Case {
	t.Helper()
	ctx := context.Background()
	basis := testBasis("2021-06-08-12.05.36.123456", may2021)

	c, err := f.svc.Create(ctx, f.sak.ID, caseworker, &basis)
	require.NoError(t, err)
	c, err = f.svc.SetDecisions(ctx, f.cmd(c, caseworker), recoverAll(t, may2021))
	require.NoError(t, err)
	c, err = f.svc.ChooseLetter(ctx, f.cmd(c, caseworker), LetterChoice{Send: true})
	require.NoError(t, err)
	c, err = f.svc.SubmitForAttestation(ctx, f.cmd(c, caseworker))
	require.NoError(t, err)
	require.Equal(t, StageAwaitingAttestation, c.Stage())
	return c
}

func TestService_OneOpenCasePerSak(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.sak.ID, caseworker, nil)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, f.sak.ID, caseworker, nil)
	assert.ErrorIs(t, err, ErrOpenCaseExists)

	// Once the first is closed a new one may be opened.
	_, err = f.svc.Abort(ctx, f.cmd(first, caseworker), "opprettet ved en feil")
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, f.sak.ID, caseworker, nil)
	require.NoError(t, err)

	cases, err := f.svc.List(ctx, f.sak.ID)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, StageAborted, cases[0].Stage())
	assert.Equal(t, second.Header().ID, cases[1].Header().ID)
	assert.Equal(t, generic.Version(3), second.Header().Head.Version)

	open, err := f.svc.OpenCases(ctx, f.sak.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Empty(t, f.settler.annulments, "nothing to annul without a basis")
}

func TestService_SettleHappyPath(t *testing.T) {
	// GIVEN: A case awaiting attestation
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.toAttestation(t)

	// WHEN: Another person settles it
	settled, err := f.svc.Settle(ctx, f.cmd(c, attestant))

	// THEN: The decision was sent in the attestant's name and the case closed
	require.NoError(t, err)
	assert.Equal(t, StageSettled, settled.Stage())
	require.Len(t, f.settler.settlements, 1)
	assert.Equal(t, attestant, f.settler.settlements[0].Attestant)
	assert.Equal(t, "2021-06-08-12.05.36.123456", f.settler.settlements[0].Reconciled.EksternKontrollfelt)

	got, err := f.svc.Get(ctx, f.sak.ID, c.Header().ID)
	require.NoError(t, err)
	assert.Equal(t, StageSettled, got.Stage())

	// AND: A settled case refuses further commands without touching the log
	_, err = f.svc.Abort(ctx, f.cmd(got, caseworker), "for sent")
	assert.ErrorIs(t, err, ErrTerminalState)
	history, err := f.svc.History(ctx, f.sak.ID)
	require.NoError(t, err)
	assert.Len(t, history, 5)
	assert.Len(t, f.settler.annulments, 0)
}

func TestService_SettleFailureKeepsCaseAwaiting(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		unconfirmed bool
	}{
		{"rejected", &oppdrag.RejectionError{Op: "settlement", Severity: oppdrag.SeveritySevere, Reason: "kontrollfelt"}, false},
		{"not sent", &oppdrag.NotSentError{Op: "settlement", Cause: context.Canceled}, false},
		{"indeterminate", &oppdrag.IndeterminateError{Op: "settlement", Timeout: true, Cause: errors.New("timeout")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			ctx := context.Background()
			c := f.toAttestation(t)
			f.settler.settleErr = tt.err

			_, err := f.svc.Settle(ctx, f.cmd(c, attestant))

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			got, err := f.svc.Get(ctx, f.sak.ID, c.Header().ID)
			require.NoError(t, err)
			require.Equal(t, StageAwaitingAttestation, got.Stage())
			u := got.(AwaitingAttestation).UnconfirmedSettlement()
			if !tt.unconfirmed {
				assert.Nil(t, u)
				assert.Equal(t, c.Header().Head, got.Header().Head)
				return
			}
			require.NotNil(t, u)
			assert.Equal(t, attestant, u.Attestant)
			assert.Equal(t, "2021-06-08-12.05.36.123456", u.Kontrollfelt)
			assert.Equal(t, c.Header().Head.Version+1, got.Header().Head.Version)
		})
	}
}

func TestService_UnknownSettlementIsNotSentTwice(t *testing.T) {
	// GIVEN: A settlement that timed out without an answer
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.toAttestation(t)
	f.settler.settleErr = &oppdrag.IndeterminateError{Op: "settlement", Timeout: true, Cause: errors.New("timeout")}
	_, err := f.svc.Settle(ctx, f.cmd(c, attestant))
	require.True(t, oppdrag.IsIndeterminate(err))

	// WHEN: The attestant retries with the cursor they held, and with a fresh one
	f.settler.settleErr = nil
	_, err = f.svc.Settle(ctx, f.cmd(c, attestant))
	assert.True(t, generic.IsRetryable(err))

	marked, err := f.svc.Get(ctx, f.sak.ID, c.Header().ID)
	require.NoError(t, err)
	_, err = f.svc.Settle(ctx, f.cmd(marked, attestant))

	// THEN: Both are refused and the decision went out only once
	assert.ErrorIs(t, err, ErrSettlementUnconfirmed)
	assert.Len(t, f.settler.settlements, 1)

	// AND: Rejecting or aborting is refused too, without annulling anything
	_, err = f.svc.Reject(ctx, f.cmd(marked, attestant), "VURDERING", "")
	assert.ErrorIs(t, err, ErrSettlementUnconfirmed)
	_, err = f.svc.Abort(ctx, f.cmd(marked, caseworker), "bruker har betalt")
	assert.ErrorIs(t, err, ErrSettlementUnconfirmed)
	assert.Empty(t, f.settler.annulments)

	history, err := f.svc.History(ctx, f.sak.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, EventSettlementUnknown, history[4].Payload.EventType())
}

func TestService_ResolveSettlement(t *testing.T) {
	tests := []struct {
		name     string
		applied  bool
		wantSent int
	}{
		{"applied externally", true, 1},
		{"not applied externally", false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A case marked unconfirmed after a timeout
			f := newServiceFixture(t)
			ctx := context.Background()
			c := f.toAttestation(t)
			f.settler.settleErr = &oppdrag.IndeterminateError{Op: "settlement", Cause: errors.New("connection reset")}
			_, err := f.svc.Settle(ctx, f.cmd(c, attestant))
			require.Error(t, err)
			f.settler.settleErr = nil
			marked, err := f.svc.Get(ctx, f.sak.ID, c.Header().ID)
			require.NoError(t, err)

			// WHEN: Someone checks the financial system and records what they found
			_, err = f.svc.ResolveSettlement(ctx, f.cmd(marked, attestant), tt.applied, "")
			require.ErrorIs(t, err, generic.ErrValidation)
			resolved, err := f.svc.ResolveSettlement(ctx, f.cmd(marked, attestant), tt.applied, "sjekket i oppdrag")
			require.NoError(t, err)

			// THEN: An applied settlement closes the case, otherwise it can be sent again
			if !tt.applied {
				require.Equal(t, StageAwaitingAttestation, resolved.Stage())
				assert.Nil(t, resolved.(AwaitingAttestation).UnconfirmedSettlement())
				resolved, err = f.svc.Settle(ctx, f.cmd(resolved, attestant))
				require.NoError(t, err)
			}
			assert.Equal(t, StageSettled, resolved.Stage())
			assert.Len(t, f.settler.settlements, tt.wantSent)

			got, err := f.svc.Get(ctx, f.sak.ID, c.Header().ID)
			require.NoError(t, err)
			settled := got.(Settled)
			assert.Equal(t, attestant, settled.Attestations()[0].Attestant)
			if tt.applied {
				assert.Equal(t, ManuallyConfirmedCode, settled.Receipt().Code)
			}
		})
	}
}

func TestService_NewClaimBasisClearsUnknownSettlement(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.toAttestation(t)
	f.settler.settleErr = &oppdrag.IndeterminateError{Op: "settlement", Cause: errors.New("eof")}
	_, err := f.svc.Settle(ctx, f.cmd(c, attestant))
	require.Error(t, err)
	marked, err := f.svc.Get(ctx, f.sak.ID, c.Header().ID)
	require.NoError(t, err)

	_, err = f.svc.ResolveSettlement(ctx, f.cmd(c, attestant), false, "for tidlig")
	assert.True(t, generic.IsRetryable(err))

	newer := testBasis("2021-07-01-09.30.12.654321", may2021)
	reset, err := f.svc.ReceiveClaimBasis(ctx, f.cmd(marked, SystemActor), newer, "raw-2")
	require.NoError(t, err)
	assert.Equal(t, StageInProgress, reset.Stage())

	_, err = f.svc.ResolveSettlement(ctx, f.cmd(reset, attestant), false, "for sent")
	assert.True(t, IsIllegalTransition(err))
}

func TestService_SettleChecksBeforeCallingOut(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.toAttestation(t)

	_, err := f.svc.Settle(ctx, f.cmd(c, caseworker))
	assert.ErrorIs(t, err, ErrSameAttestant)

	stale := f.cmd(c, attestant)
	stale.Cursor.Version--
	_, err = f.svc.Settle(ctx, stale)
	assert.True(t, generic.IsRetryable(err))

	assert.Empty(t, f.settler.settlements)
}

func TestService_AbortAnnulsClaimBasis(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.toAttestation(t)

	// A failed annulment leaves the case as it was.
	f.settler.annulErr = &oppdrag.RejectionError{Op: "annulment", Severity: oppdrag.SeveritySQL}
	_, err := f.svc.Abort(ctx, f.cmd(c, caseworker), "bruker har betalt")
	assert.True(t, oppdrag.IsRejected(err))
	got, err := f.svc.Get(ctx, f.sak.ID, c.Header().ID)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingAttestation, got.Stage())

	f.settler.annulErr = nil
	aborted, err := f.svc.Abort(ctx, f.cmd(c, caseworker), "bruker har betalt")
	require.NoError(t, err)
	assert.Equal(t, StageAborted, aborted.Stage())
	assert.Equal(t, []string{"298604", "298604"}, f.settler.annulments)
	assert.NotNil(t, aborted.(Aborted).Annulment())
}

func TestService_RejectAndResubmit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	c := f.toAttestation(t)

	c, err := f.svc.Reject(ctx, f.cmd(c, attestant), "VURDERING", "Se på mai igjen")
	require.NoError(t, err)
	assert.True(t, c.(Filled).IsRejected())

	c, err = f.svc.SubmitForAttestation(ctx, f.cmd(c, caseworker))
	require.NoError(t, err)
	c, err = f.svc.Settle(ctx, f.cmd(c, attestant))
	require.NoError(t, err)
	assert.Equal(t, StageSettled, c.Stage())
}

func TestService_ConcurrentAppendsOneWins(t *testing.T) {
	// GIVEN: Two callers holding the same cursor
	f := newServiceFixture(t)
	ctx := context.Background()
	basis := testBasis("2021-06-08-12.05.36.123456", may2021)
	c, err := f.svc.Create(ctx, f.sak.ID, caseworker, &basis)
	require.NoError(t, err)
	cmd := f.cmd(c, caseworker)

	// WHEN: Both append at the same time
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.AddPreNotification(ctx, cmd, "doc", "")
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one succeeds, the other must re-read and retry
	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case generic.IsRetryable(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	history, err := f.svc.History(ctx, f.sak.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_UnknownSakAndCase(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.List(ctx, "missing")
	assert.True(t, generic.IsNotFound(err))

	_, err = f.svc.Get(ctx, f.sak.ID, "missing")
	assert.ErrorIs(t, err, generic.ErrCaseNotFound)

	_, err = f.svc.RegisterSak(ctx, 10002099, generic.SakTypeAlder)
	assert.ErrorIs(t, err, generic.ErrSakExists)
}
