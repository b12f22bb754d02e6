package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/estuary/cfd-daemon/pkg/cfd"
	"github.com/estuary/cfd-daemon/pkg/cfderrors"
)

// InsertEventData persists the relational side-tables of an already
// appended event. Only RolloverCompleted carries side-table data; any
// other kind is a contract violation, refused with
// cfderrors.ErrUnsupportedEvent.
func (s *Store) InsertEventData(ctx context.Context, cfdRowId, eventRowId int64, ev cfd.CfdEvent) error {
	if ev.Event.Tag != cfd.KindRolloverCompleted {
		return fmt.Errorf("%w: %s", cfderrors.ErrUnsupportedEvent, ev.Event.Tag)
	}
	return s.InsertRolloverCompleted(ctx, cfdRowId, eventRowId, ev.Event.Dlc, ev.Event.FundingFee)
}

// InsertRolloverCompleted atomically inserts one rollover_completed_event_data
// row, one row per revoked commit, and one row per CET across all oracle
// events. dlc == nil is the no-op snapshot case and writes nothing. Any
// sub-insert whose RowsAffected() != 1 aborts the whole transaction; the
// caller sees one typed error and no partial write.
func (s *Store) InsertRolloverCompleted(ctx context.Context, cfdRowId, eventRowId int64, dlc *cfd.Dlc, fee cfd.FundingFee) error {
	if dlc == nil {
		return nil
	}
	defer func(started time.Time) {
		rolloverInsertDuration.Observe(time.Since(started).Seconds())
	}(time.Now())
	if err := checkStorableAmounts(dlc, fee); err != nil {
		rolloverInsertCounter.WithLabelValues("failed").Inc()
		return err
	}

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rollover insert transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	// Delete any pre-existing rollover data for this CFD, whether a
	// partial write or a prior rollover's snapshot: each insert fully
	// supersedes what came before, making it idempotent under replay.
	for _, table := range []string{"rollover_completed_event_data", "revoked_commit_transactions", "open_cets"} {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE cfd_id = ?`, table), cfdRowId); err != nil {
			rolloverInsertCounter.WithLabelValues("failed").Inc()
			return fmt.Errorf("clearing prior rollover data in %s: %w", table, err)
		}
	}

	if err = execOne(ctx, tx, `
		INSERT INTO rollover_completed_event_data (
			cfd_id, event_id, maker_address, taker_address, maker_amount_sat, taker_amount_sat,
			lock_tx, lock_descriptor, commit_tx, commit_adaptor_sig, commit_descriptor,
			refund_tx, refund_sig, settlement_event_id, refund_timelock,
			funding_fee_sat, funding_rate,
			identity_pk, identity_sk, revocation_pk, revocation_sk, publication_pk, publication_sk,
			counterparty_identity_pk, counterparty_revocation_pk, counterparty_publication_pk
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfdRowId, eventRowId, dlc.MakerAddress, dlc.TakerAddress, int64(dlc.MakerAmount), int64(dlc.TakerAmount),
		dlc.Lock.Tx, dlc.Lock.Descriptor, dlc.Commit.Tx, dlc.Commit.AdaptorSig, dlc.Commit.Descriptor,
		dlc.Refund.Tx, dlc.Refund.Sig, dlc.SettlementEventId, dlc.RefundTimelock,
		int64(fee.Fee), float64(fee.Rate),
		dlc.Identity.IdentityPk, dlc.Identity.IdentitySk, dlc.Identity.RevocationPk, dlc.Identity.RevocationSk, dlc.Identity.PublicationPk, dlc.Identity.PublicationSk,
		dlc.Counterparty.IdentityPk, dlc.Counterparty.RevocationPk, dlc.Counterparty.PublicationPk,
	); err != nil {
		rolloverInsertCounter.WithLabelValues("failed").Inc()
		return err
	}

	for _, rc := range dlc.RevokedCommit {
		if err = execOne(ctx, tx, `
			INSERT INTO revoked_commit_transactions (cfd_id, txid, enc_sig_ours, publication_pk_theirs, revocation_sk_theirs, script_pubkey)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cfdRowId, rc.Txid, rc.EncSigOurs, rc.PublicationPkTheirs, rc.RevocationSkTheirs, rc.ScriptPubkey,
		); err != nil {
			rolloverInsertCounter.WithLabelValues("failed").Inc()
			return err
		}
	}

	for oracleEventId, cets := range dlc.Cets {
		for _, c := range cets {
			if err = execOne(ctx, tx, `
				INSERT INTO open_cets (cfd_id, oracle_event_id, txid, adaptor_sig, maker_amount_sat, taker_amount_sat, n_bits, range_low, range_high)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				cfdRowId, oracleEventId, c.Txid, c.AdaptorSig, int64(c.MakerAmount), int64(c.TakerAmount), c.NBits, c.RangeLow, c.RangeHigh,
			); err != nil {
				rolloverInsertCounter.WithLabelValues("failed").Inc()
				return err
			}
		}
	}

	if err = tx.Commit(); err != nil {
		rolloverInsertCounter.WithLabelValues("failed").Inc()
		return fmt.Errorf("committing rollover insert transaction: %w", err)
	}
	tx = nil
	rolloverInsertCounter.WithLabelValues("ok").Inc()
	s.log.WithFields(logrus.Fields{
		"cfd_id":          cfdRowId,
		"event_id":        eventRowId,
		"revoked_commits": len(dlc.RevokedCommit),
		"oracle_events":   len(dlc.Cets),
	}).Debug("inserted rollover completed data")
	return nil
}

// execOne runs stmt and requires it affect exactly one row. A nil []byte
// argument is bound as an empty blob, since every BLOB column is NOT NULL;
// it loads back as an empty byte string.
func execOne(ctx context.Context, tx *sql.Tx, stmt string, args ...any) error {
	for i, arg := range args {
		if b, ok := arg.([]byte); ok && b == nil {
			args[i] = []byte{}
		}
	}
	var res, err = tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("executing rollover sub-insert: %w", err)
	}
	var affected int64
	affected, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: expected 1 row affected, got %d", cfderrors.ErrRowsAffected, affected)
	}
	return nil
}

func checkStorableAmounts(dlc *cfd.Dlc, fee cfd.FundingFee) error {
	if !dlc.MakerAmount.FitsSignedColumn() || !dlc.TakerAmount.FitsSignedColumn() || !fee.Fee.FitsSignedColumn() {
		return cfderrors.ErrAmountOutOfRange
	}
	for _, cets := range dlc.Cets {
		for _, c := range cets {
			if !c.MakerAmount.FitsSignedColumn() || !c.TakerAmount.FitsSignedColumn() {
				return cfderrors.ErrAmountOutOfRange
			}
		}
	}
	return nil
}

// LoadRolloverCompleted is the inverse of InsertRolloverCompleted: given
// (cfdRowId, eventRowId), it reconstructs the persisted Dlc and
// FundingFee, or returns cfderrors.ErrNotFound if no row exists.
func (s *Store) LoadRolloverCompleted(ctx context.Context, cfdRowId, eventRowId int64) (*cfd.Dlc, cfd.FundingFee, error) {
	var key = fmt.Sprintf("%d:%d", cfdRowId, eventRowId)
	var v, err, _ = s.loadGroup.Do(key, func() (any, error) {
		return s.loadRolloverCompleted(ctx, cfdRowId, eventRowId)
	})
	if err != nil {
		rolloverLoadCounter.WithLabelValues("failed").Inc()
		return nil, cfd.FundingFee{}, err
	}
	var loaded = v.(rolloverLoadResult)
	rolloverLoadCounter.WithLabelValues("ok").Inc()
	return loaded.dlc, loaded.fee, nil
}

type rolloverLoadResult struct {
	dlc *cfd.Dlc
	fee cfd.FundingFee
}

func (s *Store) loadRolloverCompleted(ctx context.Context, cfdRowId, eventRowId int64) (rolloverLoadResult, error) {
	var d cfd.Dlc
	var fee cfd.FundingFee
	var makerAmount, takerAmount, fundingFeeSat int64

	var err = s.db.QueryRowContext(ctx, `
		SELECT maker_address, taker_address, maker_amount_sat, taker_amount_sat,
			lock_tx, lock_descriptor, commit_tx, commit_adaptor_sig, commit_descriptor,
			refund_tx, refund_sig, settlement_event_id, refund_timelock,
			funding_fee_sat, funding_rate,
			identity_pk, identity_sk, revocation_pk, revocation_sk, publication_pk, publication_sk,
			counterparty_identity_pk, counterparty_revocation_pk, counterparty_publication_pk
		FROM rollover_completed_event_data WHERE cfd_id = ? AND event_id = ?`,
		cfdRowId, eventRowId,
	).Scan(
		&d.MakerAddress, &d.TakerAddress, &makerAmount, &takerAmount,
		&d.Lock.Tx, &d.Lock.Descriptor, &d.Commit.Tx, &d.Commit.AdaptorSig, &d.Commit.Descriptor,
		&d.Refund.Tx, &d.Refund.Sig, &d.SettlementEventId, &d.RefundTimelock,
		&fundingFeeSat, &fee.Rate,
		&d.Identity.IdentityPk, &d.Identity.IdentitySk, &d.Identity.RevocationPk, &d.Identity.RevocationSk, &d.Identity.PublicationPk, &d.Identity.PublicationSk,
		&d.Counterparty.IdentityPk, &d.Counterparty.RevocationPk, &d.Counterparty.PublicationPk,
	)
	if err == sql.ErrNoRows {
		return rolloverLoadResult{}, cfderrors.ErrNotFound
	}
	if err != nil {
		return rolloverLoadResult{}, fmt.Errorf("querying rollover data: %w", err)
	}

	if makerAmount < 0 || takerAmount < 0 || fundingFeeSat < 0 {
		return rolloverLoadResult{}, fmt.Errorf("%w: negative stored satoshi amount", cfderrors.ErrAmountCorrupted)
	}
	d.MakerAmount, d.TakerAmount, fee.Fee = cfd.Amount(makerAmount), cfd.Amount(takerAmount), cfd.Amount(fundingFeeSat)

	var rcRows, rerr = s.db.QueryContext(ctx, `
		SELECT txid, enc_sig_ours, publication_pk_theirs, revocation_sk_theirs, script_pubkey
		FROM revoked_commit_transactions WHERE cfd_id = ?`, cfdRowId)
	if rerr != nil {
		return rolloverLoadResult{}, fmt.Errorf("querying revoked commits: %w", rerr)
	}
	defer rcRows.Close()
	for rcRows.Next() {
		var rc cfd.RevokedCommit
		if err := rcRows.Scan(&rc.Txid, &rc.EncSigOurs, &rc.PublicationPkTheirs, &rc.RevocationSkTheirs, &rc.ScriptPubkey); err != nil {
			return rolloverLoadResult{}, fmt.Errorf("scanning revoked commit row: %w", err)
		}
		d.RevokedCommit = append(d.RevokedCommit, rc)
	}
	if err := rcRows.Err(); err != nil {
		return rolloverLoadResult{}, fmt.Errorf("iterating revoked commits: %w", err)
	}

	var cetRows, cerr = s.db.QueryContext(ctx, `
		SELECT oracle_event_id, txid, adaptor_sig, maker_amount_sat, taker_amount_sat, n_bits, range_low, range_high
		FROM open_cets WHERE cfd_id = ?`, cfdRowId)
	if cerr != nil {
		return rolloverLoadResult{}, fmt.Errorf("querying open cets: %w", cerr)
	}
	defer cetRows.Close()
	d.Cets = map[string][]cfd.Cet{}
	for cetRows.Next() {
		var oracleEventId string
		var c cfd.Cet
		var cMaker, cTaker int64
		if err := cetRows.Scan(&oracleEventId, &c.Txid, &c.AdaptorSig, &cMaker, &cTaker, &c.NBits, &c.RangeLow, &c.RangeHigh); err != nil {
			return rolloverLoadResult{}, fmt.Errorf("scanning open cet row: %w", err)
		}
		if cMaker < 0 || cTaker < 0 {
			return rolloverLoadResult{}, fmt.Errorf("%w: negative stored cet amount", cfderrors.ErrAmountCorrupted)
		}
		c.MakerAmount, c.TakerAmount = cfd.Amount(cMaker), cfd.Amount(cTaker)
		d.Cets[oracleEventId] = append(d.Cets[oracleEventId], c)
	}
	if err := cetRows.Err(); err != nil {
		return rolloverLoadResult{}, fmt.Errorf("iterating open cets: %w", err)
	}

	return rolloverLoadResult{dlc: &d, fee: fee}, nil
}
