package store

// schema is the bootstrap DDL: cfds, rollover_completed_event_data,
// revoked_commit_transactions, and open_cets, plus cfd_events, the
// generic append-only log every CfdEvent lands in regardless of kind.
// Amounts are signed 64-bit integer satoshis throughout; identifiers are
// 36-character hyphenated UUID strings.
const schema = `
CREATE TABLE IF NOT EXISTS cfds (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid       TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cfd_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	cfd_id     INTEGER NOT NULL REFERENCES cfds(id),
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cfd_events_cfd_id_idx ON cfd_events(cfd_id);

CREATE TABLE IF NOT EXISTS rollover_completed_event_data (
	cfd_id                       INTEGER NOT NULL,
	event_id                     INTEGER NOT NULL,
	maker_address                TEXT NOT NULL,
	taker_address                TEXT NOT NULL,
	maker_amount_sat             INTEGER NOT NULL,
	taker_amount_sat             INTEGER NOT NULL,
	lock_tx                      BLOB NOT NULL,
	lock_descriptor              TEXT NOT NULL,
	commit_tx                    BLOB NOT NULL,
	commit_adaptor_sig           BLOB NOT NULL,
	commit_descriptor            TEXT NOT NULL,
	refund_tx                    BLOB NOT NULL,
	refund_sig                   BLOB NOT NULL,
	settlement_event_id          TEXT NOT NULL,
	refund_timelock              INTEGER NOT NULL,
	funding_fee_sat              INTEGER NOT NULL,
	funding_rate                 REAL NOT NULL,
	identity_pk                  BLOB NOT NULL,
	identity_sk                  BLOB NOT NULL,
	revocation_pk                BLOB NOT NULL,
	revocation_sk                BLOB NOT NULL,
	publication_pk               BLOB NOT NULL,
	publication_sk               BLOB NOT NULL,
	counterparty_identity_pk     BLOB NOT NULL,
	counterparty_revocation_pk   BLOB NOT NULL,
	counterparty_publication_pk  BLOB NOT NULL,
	PRIMARY KEY (cfd_id, event_id)
);

CREATE TABLE IF NOT EXISTS revoked_commit_transactions (
	cfd_id                INTEGER NOT NULL,
	txid                  TEXT NOT NULL,
	enc_sig_ours          BLOB NOT NULL,
	publication_pk_theirs BLOB NOT NULL,
	revocation_sk_theirs  BLOB NOT NULL,
	script_pubkey         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS revoked_commit_cfd_idx ON revoked_commit_transactions(cfd_id);

CREATE TABLE IF NOT EXISTS open_cets (
	cfd_id          INTEGER NOT NULL,
	oracle_event_id TEXT NOT NULL,
	txid            TEXT NOT NULL,
	adaptor_sig     BLOB NOT NULL,
	maker_amount_sat INTEGER NOT NULL,
	taker_amount_sat INTEGER NOT NULL,
	n_bits          INTEGER NOT NULL,
	range_low       INTEGER NOT NULL,
	range_high      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS open_cets_cfd_idx ON open_cets(cfd_id);
`
