package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/engine"
)

func (env testEnv) submit(t *testing.T, hired engine.PaymentResult, title string) domain.Project {
	t.Helper()
	p, err := env.Engine.SubmitProject(env.Ctx, alice, engine.SubmitInput{
		ConversationID: hired.Conversation.ID,
		GigID:          hired.Application.GigID,
		Title:          title,
		Files:          []domain.ProjectFile{{Name: "design.fig", URL: "https://files.example/design.fig"}},
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) review(t *testing.T, projectID, decision string) (domain.Project, error) {
	t.Helper()
	return env.Engine.ReviewProject(env.Ctx, company, engine.ReviewInput{ProjectID: projectID, Decision: decision, Feedback: ptr("see notes")})
}

func assertIterations(t *testing.T, p domain.Project) {
	t.Helper()
	assert.Equal(t, p.Iterations.Maximum-p.Iterations.Current, p.Iterations.Remaining)
	assert.LessOrEqual(t, p.Iterations.Current, p.Iterations.Maximum)
	assert.GreaterOrEqual(t, p.Iterations.Current, 0)
}

func TestSubmitProjectCreatesEscrowedProject(t *testing.T) {
	env := newTestEnv(t)
	g := env.gig(t, 1000)
	hired := env.hire(t, g, alice, 2)

	p := env.submit(t, hired, "v1")
	assert.Equal(t, domain.ProjectSubmitted, p.Status)
	assert.Equal(t, 1, p.Submissions)
	assert.Equal(t, int64(1000), p.PaymentAmount)
	assert.Equal(t, "escrowed", p.PaymentStatus)
	assert.Equal(t, domain.ProjectIterations{Current: 0, Maximum: 2, Remaining: 2}, p.Iterations)
	require.Len(t, p.Files, 1)
	assert.Equal(t, 1, env.Notifier.count(company.ID, "project.submitted"))

	conv, err := env.Engine.Repo.GetConversation(env.Ctx, hired.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDelivery, conv.Phase)

	_, err = env.Engine.SubmitProject(env.Ctx, alice, engine.SubmitInput{ConversationID: hired.Conversation.ID, GigID: g.ID, Title: "again"})
	assertKind(t, err, apperr.KindConflict)
	assertCode(t, err, "project_in_review")
}

func TestSubmitProjectRequiresAcceptedFreelancer(t *testing.T) {
	env := newTestEnv(t)
	g := env.gig(t, 1000)
	env.apply(t, g.ID, bob, 2)
	hired := env.hire(t, g, alice, 2)

	_, err := env.Engine.SubmitProject(env.Ctx, bob, engine.SubmitInput{ConversationID: hired.Conversation.ID, GigID: g.ID, Title: "mine"})
	assertKind(t, err, apperr.KindForbidden)
	_, err = env.Engine.SubmitProject(env.Ctx, alice, engine.SubmitInput{ConversationID: hired.Conversation.ID, GigID: g.ID})
	assertKind(t, err, apperr.KindValidation)
	_, err = env.Engine.SubmitProject(env.Ctx, alice, engine.SubmitInput{
		ConversationID: hired.Conversation.ID, GigID: g.ID, Title: "v1",
		Files: []domain.ProjectFile{{Name: "no-url"}},
	})
	assertKind(t, err, apperr.KindValidation)
	_, err = env.Engine.SubmitProject(env.Ctx, alice, engine.SubmitInput{ConversationID: "missing", GigID: g.ID, Title: "v1"})
	assertKind(t, err, apperr.KindNotFound)
}

func TestSubmitProjectRequiresActiveConversation(t *testing.T) {
	env := newTestEnv(t)
	g := env.gig(t, 1000)
	env.apply(t, g.ID, alice, 2)
	res, err := env.Engine.AcceptApplication(env.Ctx, company, engine.AcceptInput{GigID: g.ID, FreelancerID: alice.ID, Mode: engine.AcceptNegotiate})
	require.NoError(t, err)

	_, err = env.Engine.SubmitProject(env.Ctx, alice, engine.SubmitInput{ConversationID: res.Conversation.ID, GigID: g.ID, Title: "early"})
	assertKind(t, err, apperr.KindForbidden)
}

func TestRevisionCycleRespectsIterationBudget(t *testing.T) {
	env := newTestEnv(t)
	g := env.gig(t, 1000)
	hired := env.hire(t, g, alice, 1)
	p := env.submit(t, hired, "v1")

	under, err := env.Engine.MarkUnderReview(env.Ctx, company, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectUnderReview, under.Status)

	p, err = env.review(t, p.ID, engine.ReviewRevision)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectRevisionRequested, p.Status)
	assert.Equal(t, domain.ProjectIterations{Current: 1, Maximum: 1, Remaining: 0}, p.Iterations)
	assertIterations(t, p)
	require.NotNil(t, p.Feedback)
	assert.Equal(t, 1, env.Notifier.count(alice.ID, "project.reviewed"))

	_, err = env.review(t, p.ID, engine.ReviewApprove)
	assertCode(t, err, "invalid_project_transition")

	p = env.submit(t, hired, "v2")
	assert.Equal(t, domain.ProjectSubmitted, p.Status)
	assert.Equal(t, 2, p.Submissions)

	_, err = env.review(t, p.ID, engine.ReviewRevision)
	assertKind(t, err, apperr.KindConflict)
	assertCode(t, err, "no_revisions_remaining")

	after, err := env.Engine.GetProject(env.Ctx, company, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectSubmitted, after.Status)
	assert.Equal(t, 1, after.Iterations.Current)
	assertIterations(t, after)

	subs, err := env.Engine.Repo.ListSubmissions(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestApproveReleasesEscrowToWallet(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Ledger.CommissionBPS = 1000
	g := env.gig(t, 1000)
	hired := env.hire(t, g, alice, 2)
	p := env.submit(t, hired, "v1")

	p, err := env.review(t, p.ID, engine.ReviewApprove)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectCompleted, p.Status)
	assert.Equal(t, "released", p.PaymentStatus)
	assert.NotNil(t, p.CompletedAt)

	view, err := env.Engine.GetWallet(env.Ctx, alice, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(900), view.Wallet.Balance)
	assert.Equal(t, int64(900), view.Wallet.TotalEarned)
	require.Len(t, view.Transactions, 1)
	assert.Equal(t, "project:"+p.ID, view.Transactions[0].SourceRef)

	releases, err := env.Engine.Repo.ListPayments(env.Ctx, domain.PaymentRelease, "", alice.ID, 10)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	rel := releases[0]
	assert.Equal(t, domain.PaymentCompleted, rel.Status)
	assert.Equal(t, int64(1000), rel.Amount)
	assert.EqualValues(t, 100, rel.Metadata["commission"])
	assert.EqualValues(t, 900, rel.Metadata["net"])
	assert.Equal(t, "v2", rel.Metadata["rules_version"])

	stored, err := env.Engine.Repo.GetGig(env.Ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", stored.Status)
	app, err := env.Engine.Repo.FindApplication(env.Ctx, g.ID, alice.ID)
	require.NoError(t, err)
	assert.NotNil(t, app.CompletedAt)
	conv, err := env.Engine.Repo.GetConversation(env.Ctx, hired.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompleted, conv.Phase)
	assert.Equal(t, 1, env.Notifier.count(alice.ID, "project.completed"))

	_, err = env.review(t, p.ID, engine.ReviewApprove)
	assertCode(t, err, "project_closed")
	again, err := env.Engine.GetWallet(env.Ctx, alice, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(900), again.Wallet.Balance)
}

func TestRejectedProjectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	g := env.gig(t, 1000)
	hired := env.hire(t, g, alice, 2)
	p := env.submit(t, hired, "v1")

	p, err := env.review(t, p.ID, engine.ReviewReject)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectRejected, p.Status)
	assert.Equal(t, 0, p.Iterations.Current)

	_, err = env.Engine.SubmitProject(env.Ctx, alice, engine.SubmitInput{ConversationID: hired.Conversation.ID, GigID: g.ID, Title: "v2"})
	assertCode(t, err, "project_closed")
	_, err = env.review(t, p.ID, engine.ReviewRevision)
	assertCode(t, err, "project_closed")
}

func TestReviewProjectAccess(t *testing.T) {
	env := newTestEnv(t)
	g := env.gig(t, 1000)
	hired := env.hire(t, g, alice, 2)
	p := env.submit(t, hired, "v1")

	_, err := env.Engine.ReviewProject(env.Ctx, rival, engine.ReviewInput{ProjectID: p.ID, Decision: engine.ReviewApprove})
	assertKind(t, err, apperr.KindForbidden)
	_, err = env.Engine.ReviewProject(env.Ctx, alice, engine.ReviewInput{ProjectID: p.ID, Decision: engine.ReviewApprove})
	assertKind(t, err, apperr.KindForbidden)
	_, err = env.Engine.ReviewProject(env.Ctx, company, engine.ReviewInput{ProjectID: p.ID, Decision: "maybe"})
	assertKind(t, err, apperr.KindValidation)
	_, err = env.Engine.GetProject(env.Ctx, bob, p.ID)
	assertKind(t, err, apperr.KindForbidden)

	list, err := env.Engine.ListProjects(env.Ctx, company, g.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
