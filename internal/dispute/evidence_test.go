package dispute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload_DerivesRole(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")

	mine, err := f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{
		MediaType: "image/jpeg", URL: "https://blobs.example.com/a.jpg", Description: "  cracked screen  ",
	})
	require.NoError(t, err)
	assert.Equal(t, RoleInitiator, mine.Role)
	assert.Equal(t, ValidityUnevaluated, mine.Validity)
	assert.Equal(t, "cracked screen", mine.Description)

	theirs, err := f.engine.Evidence.Upload(f.ctx, seller, d.ID, UploadRequest{
		MediaType: "application/pdf", URL: "https://blobs.example.com/receipt.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, RoleCounterparty, theirs.Role)
}

func TestUpload_AnyState(t *testing.T) {
	f := newFixture(t)
	d := f.arbitrating("O1")

	_, err := f.engine.Evidence.Upload(f.ctx, seller, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/x.png"})
	require.NoError(t, err)
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")

	_, err := f.engine.Evidence.Upload(f.ctx, outsider, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/x.png"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.engine.Evidence.Upload(f.ctx, arbitrator, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/x.png"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{MediaType: "image/png", URL: "ftp://blobs.example.com/x.png"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{URL: "https://blobs.example.com/x.png"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.Evidence.Upload(f.ctx, buyer, "dsp_missing", UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/x.png"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluate_OnceByAssignedArbitrator(t *testing.T) {
	f := newFixture(t)
	d := f.arbitrating("O1")
	ev, err := f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/x.png"})
	require.NoError(t, err)

	_, err = f.engine.Evidence.Evaluate(f.ctx, other, ev.ID, ValidityValid, "looks fine")
	assert.ErrorIs(t, err, ErrPermissionDenied, "unassigned arbitrator")

	_, err = f.engine.Evidence.Evaluate(f.ctx, admin, ev.ID, ValidityValid, "looks fine")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	got, err := f.engine.Evidence.Evaluate(f.ctx, arbitrator, ev.ID, ValidityPartial, "only one photo")
	require.NoError(t, err)
	assert.Equal(t, ValidityPartial, got.Validity)
	assert.Equal(t, arbitrator.ID, got.EvaluatorID)
	assert.Equal(t, "only one photo", got.EvaluationReason)
	require.NotNil(t, got.EvaluatedAt)

	_, err = f.engine.Evidence.Evaluate(f.ctx, arbitrator, ev.ID, ValidityInvalid, "changed my mind")
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := f.store.GetEvidence(f.ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ValidityPartial, stored.Validity, "first judgment stands")
}

func TestEvaluate_Rejections(t *testing.T) {
	f := newFixture(t)
	d := f.submit("O1")
	ev, err := f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/x.png"})
	require.NoError(t, err)

	_, err = f.engine.Evidence.Evaluate(f.ctx, arbitrator, ev.ID, ValidityValid, "")
	assert.ErrorIs(t, err, ErrPermissionDenied, "no arbitrator assigned yet")

	_, err = f.engine.Evidence.Evaluate(f.ctx, arbitrator, ev.ID, ValidityUnevaluated, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.Evidence.Evaluate(f.ctx, arbitrator, "evd_missing", ValidityValid, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_UploaderOnlyWhileUnevaluated(t *testing.T) {
	f := newFixture(t)
	d := f.arbitrating("O1")
	first, err := f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/1.png"})
	require.NoError(t, err)
	second, err := f.engine.Evidence.Upload(f.ctx, buyer, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/2.png"})
	require.NoError(t, err)

	err = f.engine.Evidence.Delete(f.ctx, seller, first.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, f.engine.Evidence.Delete(f.ctx, buyer, first.ID))
	_, err = f.store.GetEvidence(f.ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.Evidence.Evaluate(f.ctx, arbitrator, second.ID, ValidityValid, "ok")
	require.NoError(t, err)
	err = f.engine.Evidence.Delete(f.ctx, buyer, second.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	err = f.engine.Evidence.Delete(f.ctx, buyer, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSummaryAndWorklist(t *testing.T) {
	f := newFixture(t)
	d := f.arbitrating("O1")
	urls := []string{"https://b.example.com/1", "https://b.example.com/2", "https://b.example.com/3"}
	var ids []string
	for i, u := range urls {
		actor := buyer
		if i == 2 {
			actor = seller
		}
		ev, err := f.engine.Evidence.Upload(f.ctx, actor, d.ID, UploadRequest{MediaType: "image/png", URL: u})
		require.NoError(t, err)
		ids = append(ids, ev.ID)
		f.advance(time.Second)
	}
	_, err := f.engine.Evidence.Evaluate(f.ctx, arbitrator, ids[0], ValidityInvalid, "blurry")
	require.NoError(t, err)

	sum, err := f.engine.Evidence.Summary(f.ctx, arbitrator, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.ByRole[RoleInitiator])
	assert.Equal(t, 1, sum.ByRole[RoleCounterparty])
	assert.Equal(t, 2, sum.ByValidity[ValidityUnevaluated])
	assert.Equal(t, 1, sum.ByValidity[ValidityInvalid])
	assert.Equal(t, 0, sum.ByValidity[ValidityValid])

	work, err := f.engine.Evidence.Unevaluated(f.ctx, arbitrator, d.ID)
	require.NoError(t, err)
	require.Len(t, work, 2)
	assert.Equal(t, ids[1], work[0].ID)

	_, err = f.engine.Evidence.Summary(f.ctx, outsider, d.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
