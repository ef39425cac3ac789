package verify

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
)

// DefaultPredicates returns the predicates run after every persist.
func DefaultPredicates() []Predicate {
	return []Predicate{
		{Name: "claim_events_present", Check: claimEventsPresent},
		{Name: "claim_count_matches_header", Check: claimCountMatchesHeader},
		{Name: "activity_count_at_least_persisted", Check: activityCountAtLeastPersisted},
		{Name: "no_orphan_activities", Check: noOrphanActivities},
		{Name: "no_orphan_event_activities", Check: noOrphanEventActivities},
		{Name: "no_orphan_event_observations", Check: noOrphanEventObservations},
		{Name: "no_duplicate_claim_keys", Check: noDuplicateClaimKeys},
	}
}

func count(ctx context.Context, q Querier, query string, args ...any) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func claimEventsPresent(ctx context.Context, q Querier, fileID int64, _ Expectation) (bool, string, error) {
	n, err := count(ctx, q, `SELECT COUNT(*) FROM claim_event WHERE ingestion_file_id = $1`, fileID)
	if err != nil {
		return false, "", err
	}
	if n == 0 {
		return false, "no claim events recorded for file", nil
	}
	return true, fmt.Sprintf("%d claim events", n), nil
}

func claimCountMatchesHeader(ctx context.Context, q Querier, fileID int64, exp Expectation) (bool, string, error) {
	n, err := count(ctx, q,
		`SELECT COUNT(DISTINCT claim_key_id) FROM claim_event WHERE ingestion_file_id = $1`, fileID)
	if err != nil {
		return false, "", err
	}
	reason := fmt.Sprintf("header declares %d claims, %d persisted", exp.HeaderRecordCount, n)
	return n == exp.HeaderRecordCount, reason, nil
}

func activityCountAtLeastPersisted(ctx context.Context, q Querier, fileID int64, exp Expectation) (bool, string, error) {
	n, err := count(ctx, q,
		`SELECT COUNT(*) FROM claim_event_activity cea
		JOIN claim_event ce ON ce.id = cea.claim_event_id
		WHERE ce.ingestion_file_id = $1`, fileID)
	if err != nil {
		return false, "", err
	}
	want := exp.Persisted.Activities
	if exp.Root == ingestion.RootRemittance {
		want = exp.Persisted.RemitActivities
	}
	return n >= want, fmt.Sprintf("%d event activities for %d persisted activities", n, want), nil
}

// noOrphanActivities finds activities written for this file's claims whose
// claim has no event from this file.
func noOrphanActivities(ctx context.Context, q Querier, fileID int64, _ Expectation) (bool, string, error) {
	n, err := count(ctx, q,
		`SELECT
			(SELECT COUNT(*) FROM activity a
				JOIN claim c ON c.id = a.claim_id
				JOIN submission s ON s.id = c.submission_id
				WHERE s.ingestion_file_id = $1
				AND NOT EXISTS (SELECT 1 FROM claim_event ce
					WHERE ce.claim_key_id = c.claim_key_id AND ce.ingestion_file_id = $1))
			+
			(SELECT COUNT(*) FROM remittance_activity ra
				JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
				JOIN remittance r ON r.id = rc.remittance_id
				WHERE r.ingestion_file_id = $1
				AND NOT EXISTS (SELECT 1 FROM claim_event ce
					WHERE ce.claim_key_id = rc.claim_key_id AND ce.ingestion_file_id = $1))`, fileID)
	if err != nil {
		return false, "", err
	}
	return n == 0, fmt.Sprintf("%d activities without a claim event", n), nil
}

// noOrphanEventActivities finds event activities that point at no stored
// activity of the same claim.
func noOrphanEventActivities(ctx context.Context, q Querier, fileID int64, _ Expectation) (bool, string, error) {
	n, err := count(ctx, q,
		`SELECT COUNT(*) FROM claim_event_activity cea
		JOIN claim_event ce ON ce.id = cea.claim_event_id
		WHERE ce.ingestion_file_id = $1
		AND NOT EXISTS (SELECT 1 FROM activity a
			JOIN claim c ON c.id = a.claim_id
			WHERE c.claim_key_id = ce.claim_key_id AND a.activity_id = cea.activity_id_at_event)
		AND NOT EXISTS (SELECT 1 FROM remittance_activity ra
			JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
			WHERE rc.claim_key_id = ce.claim_key_id AND rc.remittance_id = ce.remittance_id
			AND ra.activity_id = cea.activity_id_at_event)`, fileID)
	if err != nil {
		return false, "", err
	}
	return n == 0, fmt.Sprintf("%d event activities without a stored activity", n), nil
}

// noOrphanEventObservations compares event observation snapshots with the
// observations stored for the same claims.
func noOrphanEventObservations(ctx context.Context, q Querier, fileID int64, _ Expectation) (bool, string, error) {
	var events, stored int
	err := q.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM event_observation eo
				JOIN claim_event_activity cea ON cea.id = eo.claim_event_activity_id
				JOIN claim_event ce ON ce.id = cea.claim_event_id
				WHERE ce.ingestion_file_id = $1),
			(SELECT COUNT(*) FROM observation o
				JOIN activity a ON a.id = o.activity_id
				JOIN claim c ON c.id = a.claim_id
				JOIN claim_event ce ON ce.claim_key_id = c.claim_key_id
				WHERE ce.ingestion_file_id = $1 AND ce.type IN (1, 2))`, fileID).Scan(&events, &stored)
	if err != nil {
		return false, "", err
	}
	return events == stored, fmt.Sprintf("%d event observations, %d stored observations", events, stored), nil
}

func noDuplicateClaimKeys(ctx context.Context, q Querier, fileID int64, _ Expectation) (bool, string, error) {
	n, err := count(ctx, q,
		`SELECT COUNT(*) FROM (
			SELECT claim_key_id FROM claim_event WHERE ingestion_file_id = $1
			GROUP BY claim_key_id, type HAVING COUNT(*) > 1
		) d`, fileID)
	if err != nil {
		return false, "", err
	}
	return n == 0, fmt.Sprintf("%d duplicated claim keys", n), nil
}
