package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"deedflow/internal/config"
	"deedflow/internal/db"
	"deedflow/internal/domain"
	"deedflow/internal/engine"
	"deedflow/internal/engine/auth"
	"deedflow/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("office-1")
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.InitOffice(ctx, "office-1", "First Office", "tester"); err != nil {
		t.Fatalf("init office: %v", err)
	}
	for actor, role := range map[string]string{
		"boss":    domain.RoleSupervisor,
		"karen":   domain.RoleControlClerk,
		"silvia":  domain.RoleSigner,
		"counter": domain.RoleDeliveryClerk,
	} {
		if err := eng.GrantRole(ctx, "office-1", actor, role, "tester"); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func openReceived(t *testing.T, env testEnv, opts engine.OpenOptions) domain.Transaction {
	t.Helper()
	if opts.OfficeID == "" {
		opts.OfficeID = "office-1"
	}
	if opts.Kind == "" {
		opts.Kind = domain.ResourceRealEstate
	}
	if opts.ActorID == "" {
		opts.ActorID = "cashier"
	}
	txn, err := env.Engine.OpenTransaction(env.Ctx, opts)
	if err != nil {
		t.Fatalf("open transaction: %v", err)
	}
	txn, err = env.Engine.Receive(env.Ctx, txn.ID, "", "reception")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return txn
}

// advance proposes next on behalf of the current holder and has taker
// pick it up.
func advance(t *testing.T, env testEnv, id, holder string, next domain.Status, taker string) domain.Task {
	t.Helper()
	if _, err := env.Engine.SetNextStatus(env.Ctx, id, holder, next, "", ""); err != nil {
		t.Fatalf("propose %s: %v", next, err)
	}
	task, err := env.Engine.Take(env.Ctx, id, taker, engine.TakeOptions{})
	if err != nil {
		t.Fatalf("take %s: %v", next, err)
	}
	return task
}

func TestReceiveAssignsControlNumber(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Engine.OpenTransaction(env.Ctx, engine.OpenOptions{
		OfficeID: "office-1", Kind: domain.ResourceRealEstate, ActorID: "cashier",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if txn.Status != domain.StatusPayment {
		t.Fatalf("expected payment, got %s", txn.Status)
	}
	txn, err = env.Engine.Receive(env.Ctx, txn.ID, "walk-in", "reception")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if txn.ControlNumber != "office-1-2024-000001" {
		t.Fatalf("control number: %q", txn.ControlNumber)
	}
	if txn.PresentedAt == "" {
		t.Fatalf("presented_at not stamped")
	}
	chain, err := env.Engine.Repo.TaskChain(env.Ctx, txn.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(chain))
	}
	first, second := chain[0], chain[1]
	if first.State != domain.TaskClosed || first.NextStatus != domain.StatusReceived {
		t.Fatalf("first task not closed toward received: %+v", first)
	}
	if second.CurrentStatus != domain.StatusReceived || second.NextStatus != domain.StatusControl {
		t.Fatalf("second task: %+v", second)
	}
	if second.PrevTaskID == nil || *second.PrevTaskID != first.ID {
		t.Fatalf("chain links broken")
	}
	// second filing gets the next number in sequence
	txn2, err := env.Engine.OpenTransaction(env.Ctx, engine.OpenOptions{
		OfficeID: "office-1", Kind: domain.ResourceAssociation, ActorID: "cashier",
	})
	if err != nil {
		t.Fatal(err)
	}
	txn2, err = env.Engine.Receive(env.Ctx, txn2.ID, "", "reception")
	if err != nil {
		t.Fatal(err)
	}
	if txn2.ControlNumber != "office-1-2024-000002" {
		t.Fatalf("control number: %q", txn2.ControlNumber)
	}
}

func TestReceiveRoutesCertificateIssueToJuridic(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{CertificateIssue: true})
	last, err := env.Engine.Repo.LastTask(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last.NextStatus != domain.StatusJuridic {
		t.Fatalf("expected juridic routing, got %s", last.NextStatus)
	}
}

func TestReceiveTwiceRejected(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	_, err := env.Engine.Receive(env.Ctx, txn.ID, "", "reception")
	var pre engine.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestChainSingleOpenTask(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	advance(t, env, txn.ID, "ana", domain.StatusRecording, "bob")
	advance(t, env, txn.ID, "bob", domain.StatusProcess, "carol")
	chain, err := env.Engine.Repo.TaskChain(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	open := 0
	for i, task := range chain {
		if task.Open() {
			open++
		}
		if i > 0 {
			if task.PrevTaskID == nil || *task.PrevTaskID != chain[i-1].ID {
				t.Fatalf("task %d prev link broken", i)
			}
			if chain[i-1].NextTaskID == nil || *chain[i-1].NextTaskID != task.ID {
				t.Fatalf("task %d next link broken", i-1)
			}
			if task.CurrentStatus != chain[i-1].NextStatus {
				t.Fatalf("task %d arrived at %s, predecessor proposed %s", i, task.CurrentStatus, chain[i-1].NextStatus)
			}
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open task, got %d", open)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	_, err := env.Engine.SetNextStatus(env.Ctx, txn.ID, "ana", domain.StatusOnSign, "", "")
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.From != domain.StatusControl || te.To != domain.StatusOnSign {
		t.Fatalf("unexpected edge: %v", te)
	}
}

func TestElaborationGuard(t *testing.T) {
	env := newTestEnv(t)
	plain := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, plain.ID, "reception", domain.StatusControl, "ana")
	if _, err := env.Engine.SetNextStatus(env.Ctx, plain.ID, "ana", domain.StatusElaboration, "", ""); err == nil {
		t.Fatalf("elaboration should be fenced off without the flag")
	}
	flagged := openReceived(t, env, engine.OpenOptions{ElaborationOnly: true})
	advance(t, env, flagged.ID, "reception", domain.StatusControl, "ana")
	if _, err := env.Engine.SetNextStatus(env.Ctx, flagged.ID, "ana", domain.StatusElaboration, "", ""); err != nil {
		t.Fatalf("elaboration with flag: %v", err)
	}
}

func TestSelfTakeDenied(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	if _, err := env.Engine.SetNextStatus(env.Ctx, txn.ID, "ana", domain.StatusRecording, "", ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Take(env.Ctx, txn.ID, "ana", engine.TakeOptions{})
	var denied auth.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}
	if _, err := env.Engine.Take(env.Ctx, txn.ID, "bob", engine.TakeOptions{}); err != nil {
		t.Fatalf("take by someone else: %v", err)
	}
}

func TestReturnToMe(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	if _, err := env.Engine.SetNextStatus(env.Ctx, txn.ID, "ana", domain.StatusRecording, "", ""); err != nil {
		t.Fatal(err)
	}
	// only the holder can pull the proposal back
	_, err := env.Engine.ReturnToMe(env.Ctx, txn.ID, "bob")
	var denied auth.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}
	task, err := env.Engine.ReturnToMe(env.Ctx, txn.ID, "ana")
	if err != nil {
		t.Fatalf("return to me: %v", err)
	}
	if task.NextStatus != domain.StatusEndPoint || task.State != domain.TaskPending {
		t.Fatalf("task not back to pending: %+v", task)
	}
	// nothing proposed anymore, so nothing to take
	if _, err := env.Engine.Take(env.Ctx, txn.ID, "bob", engine.TakeOptions{}); err == nil {
		t.Fatalf("expected take rejection with no proposal")
	}
}

func TestDeliveryAndFinish(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	advance(t, env, txn.ID, "ana", domain.StatusRecording, "bob")
	advance(t, env, txn.ID, "bob", domain.StatusProcess, "carol")
	advance(t, env, txn.ID, "carol", domain.StatusOnSign, "silvia")
	if _, err := env.Engine.Sign(env.Ctx, txn.ID, "silvia"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	// unauthorized signer
	if _, err := env.Engine.Unsign(env.Ctx, txn.ID, "bob"); err == nil {
		t.Fatalf("expected unsign denial for non-signer")
	}
	task := advance(t, env, txn.ID, "silvia", domain.StatusToDeliver, "counter")
	if task.State != domain.TaskOnDelivery || task.NextStatus != domain.StatusDelivered {
		t.Fatalf("delivery task not prepared: %+v", task)
	}
	if task.NextContact != domain.InterestedParty {
		t.Fatalf("delivery task contact: %q", task.NextContact)
	}
	got, err := env.Engine.Repo.GetTransaction(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Closed() {
		t.Fatalf("ready-to-deliver should stamp closing time")
	}
	// only a delivery clerk finishes over the counter
	if _, err := env.Engine.Finish(env.Ctx, txn.ID, "", "bob"); err == nil {
		t.Fatalf("expected finish denial for non-clerk")
	}
	got, err = env.Engine.Finish(env.Ctx, txn.ID, "picked up", "counter")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got.Status != domain.StatusDelivered {
		t.Fatalf("status: %s", got.Status)
	}
	last, err := env.Engine.Repo.LastTask(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last.NextStatus != domain.StatusEndPoint || last.State != domain.TaskClosed {
		t.Fatalf("chain not sealed: %+v", last)
	}
}

func TestDeliverElectronicallyToRequester(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{DeliveryMessageUID: "msg-42"})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	advance(t, env, txn.ID, "ana", domain.StatusRecording, "bob")
	advance(t, env, txn.ID, "bob", domain.StatusProcess, "carol")
	advance(t, env, txn.ID, "carol", domain.StatusOnSign, "silvia")
	advance(t, env, txn.ID, "silvia", domain.StatusToDeliver, "counter")

	if _, err := env.Engine.DeliverElectronicallyToRequester(env.Ctx, txn.ID, "wrong"); err == nil {
		t.Fatalf("expected uid mismatch rejection")
	}
	got, err := env.Engine.DeliverElectronicallyToRequester(env.Ctx, txn.ID, "msg-42")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.Status != domain.StatusDelivered {
		t.Fatalf("status: %s", got.Status)
	}
	last, err := env.Engine.Repo.LastTask(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last.Responsible != domain.InterestedParty {
		t.Fatalf("closure credited to %q", last.Responsible)
	}
	// already delivered
	if _, err := env.Engine.DeliverElectronicallyToRequester(env.Ctx, txn.ID, "msg-42"); err == nil {
		t.Fatalf("expected rejection after closure")
	}
}

func TestReentryReopensChain(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	if _, err := env.Engine.SetNextStatus(env.Ctx, txn.ID, "ana", domain.StatusReturned, "", "incomplete papers"); err != nil {
		t.Fatalf("close as returned: %v", err)
	}
	// only supervisors reopen
	if _, err := env.Engine.Reentry(env.Ctx, txn.ID, "", "ana"); err == nil {
		t.Fatalf("expected reentry denial for non-supervisor")
	}
	got, err := env.Engine.Reentry(env.Ctx, txn.ID, "resubmitted", "boss")
	if err != nil {
		t.Fatalf("reentry: %v", err)
	}
	if got.Status != domain.StatusReentry || got.Closed() {
		t.Fatalf("not reopened: %+v", got)
	}
	last, err := env.Engine.Repo.LastTask(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last.CurrentStatus != domain.StatusReentry || last.NextStatus != domain.StatusRecording {
		t.Fatalf("reentry task: %+v", last)
	}
	// the supervisor who reentered may take their own proposal
	if _, err := env.Engine.Take(env.Ctx, txn.ID, "boss", engine.TakeOptions{}); err != nil {
		t.Fatalf("take after reentry: %v", err)
	}
}

func TestPullToControlDesk(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	advance(t, env, txn.ID, "ana", domain.StatusRecording, "bob")
	// requires the control clerk role
	if _, err := env.Engine.PullToControlDesk(env.Ctx, txn.ID, "bob", ""); err == nil {
		t.Fatalf("expected pull denial for non-clerk")
	}
	task, err := env.Engine.PullToControlDesk(env.Ctx, txn.ID, "karen", "spot check")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if task.CurrentStatus != domain.StatusControl || task.Responsible != "karen" {
		t.Fatalf("pulled task: %+v", task)
	}
	got, err := env.Engine.Repo.GetTransaction(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusControl {
		t.Fatalf("status: %s", got.Status)
	}
}

func TestArchiveAndUnarchive(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{Archivable: true})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	advance(t, env, txn.ID, "ana", domain.StatusRecording, "bob")
	advance(t, env, txn.ID, "bob", domain.StatusProcess, "carol")
	advance(t, env, txn.ID, "carol", domain.StatusOnSign, "silvia")
	if _, err := env.Engine.SetNextStatus(env.Ctx, txn.ID, "silvia", domain.StatusArchived, "", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := env.Engine.Repo.GetTransaction(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusArchived || !got.Closed() {
		t.Fatalf("not archived: %+v", got)
	}
	if _, err := env.Engine.Unarchive(env.Ctx, txn.ID, "ana"); err == nil {
		t.Fatalf("expected unarchive denial for non-supervisor")
	}
	got, err = env.Engine.Unarchive(env.Ctx, txn.ID, "boss")
	if err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if got.Status != domain.StatusOnSign || got.Closed() {
		t.Fatalf("not reopened at signing desk: %+v", got)
	}
}

func TestDeleteOnlyBeforeRecording(t *testing.T) {
	env := newTestEnv(t)
	early := openReceived(t, env, engine.OpenOptions{})
	got, err := env.Engine.Delete(env.Ctx, early.ID, "boss")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got.Status != domain.StatusDeleted {
		t.Fatalf("status: %s", got.Status)
	}
	last, err := env.Engine.Repo.LastTask(env.Ctx, early.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last.State != domain.TaskDeleted || !strings.Contains(last.Notes, "deleted by boss") {
		t.Fatalf("audit note missing: %+v", last)
	}
	late := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, late.ID, "reception", domain.StatusControl, "ana")
	advance(t, env, late.ID, "ana", domain.StatusRecording, "bob")
	_, err = env.Engine.Delete(env.Ctx, late.ID, "boss")
	var pre engine.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestApplicableCommands(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	if _, err := env.Engine.SetNextStatus(env.Ctx, txn.ID, "ana", domain.StatusRecording, "", ""); err != nil {
		t.Fatal(err)
	}
	// a bystander can take the hand-off or re-propose
	cmds, err := env.Engine.ApplicableCommands(env.Ctx, txn.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	assertCommands(t, cmds, domain.CommandTake, domain.CommandSetNextStatus)
	// the holder cannot take their own hand-off but can recall it
	cmds, err = env.Engine.ApplicableCommands(env.Ctx, txn.ID, "ana")
	if err != nil {
		t.Fatal(err)
	}
	assertCommands(t, cmds, domain.CommandSetNextStatus, domain.CommandReturnToMe)
	// supervisors additionally reassign
	cmds, err = env.Engine.ApplicableCommands(env.Ctx, txn.ID, "boss")
	if err != nil {
		t.Fatal(err)
	}
	assertCommands(t, cmds, domain.CommandTake, domain.CommandSetNextStatus, domain.CommandAssignTo)
}

func TestAggregatorIntersection(t *testing.T) {
	env := newTestEnv(t)
	t1 := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, t1.ID, "reception", domain.StatusControl, "ana")
	if _, err := env.Engine.SetNextStatus(env.Ctx, t1.ID, "ana", domain.StatusRecording, "", ""); err != nil {
		t.Fatal(err)
	}
	t2 := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, t2.ID, "reception", domain.StatusControl, "bob")
	if _, err := env.Engine.SetNextStatus(env.Ctx, t2.ID, "bob", domain.StatusRecording, "", ""); err != nil {
		t.Fatal(err)
	}
	// bob can take t1 but not his own t2; set_next_status survives both
	agg := env.Engine.NewAggregator("bob")
	if got := agg.Commands(); len(got) != 0 {
		t.Fatalf("empty aggregation should offer nothing, got %v", got)
	}
	if err := agg.Add(env.Ctx, t1.ID); err != nil {
		t.Fatal(err)
	}
	assertCommands(t, agg.Commands(), domain.CommandTake, domain.CommandSetNextStatus)
	if err := agg.Add(env.Ctx, t2.ID); err != nil {
		t.Fatal(err)
	}
	assertCommands(t, agg.Commands(), domain.CommandSetNextStatus)
}

func TestUserCommandPalette(t *testing.T) {
	env := newTestEnv(t)
	cmds, err := env.Engine.UserCommands(env.Ctx, "office-1", "boss")
	if err != nil {
		t.Fatal(err)
	}
	if !hasCommand(cmds, domain.CommandReentry) || !hasCommand(cmds, domain.CommandAssignTo) {
		t.Fatalf("supervisor palette: %v", cmds)
	}
	cmds, err = env.Engine.UserCommands(env.Ctx, "office-1", "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if hasCommand(cmds, domain.CommandReentry) || hasCommand(cmds, domain.CommandSign) {
		t.Fatalf("plain actor palette: %v", cmds)
	}
	if !hasCommand(cmds, domain.CommandTake) {
		t.Fatalf("any authenticated actor may take: %v", cmds)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 20, "office-1", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"transaction.created", "transaction.received"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
	_ = txn
}

func TestTakeAtCounterSealsChain(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	advance(t, env, txn.ID, "reception", domain.StatusControl, "ana")
	advance(t, env, txn.ID, "ana", domain.StatusRecording, "bob")
	advance(t, env, txn.ID, "bob", domain.StatusProcess, "carol")
	advance(t, env, txn.ID, "carol", domain.StatusOnSign, "silvia")
	if _, err := env.Engine.Sign(env.Ctx, txn.ID, "silvia"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	advance(t, env, txn.ID, "silvia", domain.StatusToDeliver, "counter")
	// taking the pre-addressed counter hand-off must close the chain,
	// never leave an open task at a terminal status
	final, err := env.Engine.Take(env.Ctx, txn.ID, "mallory", engine.TakeOptions{})
	if err != nil {
		t.Fatalf("take at counter: %v", err)
	}
	if final.CurrentStatus != domain.StatusDelivered || final.State != domain.TaskClosed || final.NextStatus != domain.StatusEndPoint {
		t.Fatalf("final task not sealed: %+v", final)
	}
	got, err := env.Engine.Repo.GetTransaction(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDelivered || !got.Closed() {
		t.Fatalf("transaction not closed: %+v", got)
	}
	chain, err := env.Engine.Repo.TaskChain(env.Ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range chain {
		if task.Open() {
			t.Fatalf("open task left behind a terminal closure: %+v", task)
		}
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 30, "office-1", "transaction.closed", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 {
		t.Fatalf("no transaction.closed event recorded")
	}
	if _, err := env.Engine.Finish(env.Ctx, txn.ID, "", "counter"); err == nil {
		t.Fatalf("expected finish rejection on a closed transaction")
	}
}

func TestReceiveRoutesElaborationOffice(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("office-e")
	cfg.Workflow.ElaborationOffices = []string{"office-e"}
	cfg.Workflow.Rules = append(cfg.Workflow.Rules, config.Rule{From: "received", To: []string{"elaboration"}})
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.InitOffice(ctx, "office-e", "Elaboration Office", "tester"); err != nil {
		t.Fatalf("init office: %v", err)
	}
	txn, err := eng.OpenTransaction(ctx, engine.OpenOptions{
		OfficeID: "office-e", Kind: domain.ResourceRealEstate, ActorID: "cashier",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := eng.Receive(ctx, txn.ID, "", "reception"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	last, err := eng.Repo.LastTask(ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last.NextStatus != domain.StatusElaboration {
		t.Fatalf("expected routing to elaboration, got %s", last.NextStatus)
	}
	task, err := eng.Take(ctx, txn.ID, "worker", engine.TakeOptions{})
	if err != nil {
		t.Fatalf("take routed hand-off: %v", err)
	}
	if task.CurrentStatus != domain.StatusElaboration {
		t.Fatalf("expected arrival at elaboration, got %s", task.CurrentStatus)
	}
}

func TestElaborationOfficesRequireRoute(t *testing.T) {
	cfg := config.Default("office-e")
	cfg.Workflow.ElaborationOffices = []string{"office-e"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("config with unroutable elaboration offices should not validate")
	}
	if _, err := engine.New(nil, cfg); err == nil {
		t.Fatalf("model with unroutable elaboration offices should not compile")
	}
}

func TestDeleteRequiresSupervisor(t *testing.T) {
	env := newTestEnv(t)
	txn := openReceived(t, env, engine.OpenOptions{})
	_, err := env.Engine.Delete(env.Ctx, txn.ID, "karen")
	var denied auth.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial for non-supervisor, got %v", err)
	}
	if denied.Command != domain.CommandDelete {
		t.Fatalf("denied command: %v", denied.Command)
	}
}

func assertCommands(t *testing.T, got []domain.CommandType, want ...domain.CommandType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("commands: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands: got %v, want %v", got, want)
		}
	}
}

func hasCommand(cmds []domain.CommandType, want domain.CommandType) bool {
	for _, c := range cmds {
		if c == want {
			return true
		}
	}
	return false
}
