package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/api/generations", "201", 0.123)

	counter := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/generations", "201"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordReserve(t *testing.T) {
	CreditReservationsTotal.Reset()

	RecordReserve("ok", 92)
	RecordReserve("insufficient_credits", 0)

	ok := testutil.ToFloat64(CreditReservationsTotal.WithLabelValues("ok"))
	if ok != 1.0 {
		t.Errorf("Expected ok counter to be 1.0, got %f", ok)
	}

	insufficient := testutil.ToFloat64(CreditReservationsTotal.WithLabelValues("insufficient_credits"))
	if insufficient != 1.0 {
		t.Errorf("Expected insufficient_credits counter to be 1.0, got %f", insufficient)
	}
}

func TestRecordSubmission(t *testing.T) {
	GenerationsSubmittedTotal.Reset()

	RecordSubmission("private", "ai_generated")

	counter := testutil.ToFloat64(GenerationsSubmittedTotal.WithLabelValues("private", "ai_generated"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordPipelineAttempt(t *testing.T) {
	PipelineAttemptsTotal.Reset()

	RecordPipelineAttempt("completed")
	RecordPipelineAttempt("timeout")

	completed := testutil.ToFloat64(PipelineAttemptsTotal.WithLabelValues("completed"))
	if completed != 1.0 {
		t.Errorf("Expected completed counter to be 1.0, got %f", completed)
	}
}

func TestRecordProviderCall(t *testing.T) {
	ProviderCallsTotal.Reset()

	RecordProviderCall("video", "poll", "ok", 0.5)

	counter := testutil.ToFloat64(ProviderCallsTotal.WithLabelValues("video", "poll", "ok"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordStorageOperation(t *testing.T) {
	StorageOperationsTotal.Reset()

	RecordStorageOperation("upload", "success", 0.2, 1024)

	counter := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("upload", "success"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordDatabaseOperation(t *testing.T) {
	DatabaseOperationsTotal.Reset()

	RecordDatabaseOperation("insert", "success", 0.01)

	counter := testutil.ToFloat64(DatabaseOperationsTotal.WithLabelValues("insert", "success"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordCacheAccess(t *testing.T) {
	CacheHitsTotal.Reset()
	CacheMissesTotal.Reset()

	RecordCacheAccess("progress", true)
	RecordCacheAccess("progress", false)

	hits := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("progress"))
	if hits != 1.0 {
		t.Errorf("Expected hits counter to be 1.0, got %f", hits)
	}

	misses := testutil.ToFloat64(CacheMissesTotal.WithLabelValues("progress"))
	if misses != 1.0 {
		t.Errorf("Expected misses counter to be 1.0, got %f", misses)
	}
}

func TestRecordError(t *testing.T) {
	ErrorsTotal.Reset()

	RecordError("submission", "insufficient_credits")

	counter := testutil.ToFloat64(ErrorsTotal.WithLabelValues("submission", "insufficient_credits"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}
