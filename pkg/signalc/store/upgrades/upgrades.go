package upgrades

import (
	"context"

	"go.mau.fi/util/dbutil"
)

var Table dbutil.UpgradeTable

func init() {
	Table.Register(-1, 1, 0, "Latest revision", false, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `CREATE TABLE signalc_accounts (
			number            TEXT PRIMARY KEY,
			status            TEXT NOT NULL,
			password          TEXT NOT NULL,
			signaling_key     TEXT NOT NULL,
			profile_key       bytea NOT NULL,
			device_id         INTEGER NOT NULL,
			registration_id   INTEGER NOT NULL CHECK ( registration_id >= 0 AND registration_id < 4294967296 ),
			identity_key_pair bytea NOT NULL,
			aci_uuid          TEXT
		)`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `CREATE TABLE signalc_sessions (
			account_number   TEXT    NOT NULL,
			their_identifier TEXT    NOT NULL,
			their_device_id  INTEGER NOT NULL,
			record           bytea   NOT NULL,

			PRIMARY KEY (account_number, their_identifier, their_device_id),
			FOREIGN KEY (account_number) REFERENCES signalc_accounts(number) ON DELETE CASCADE ON UPDATE CASCADE
		)`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `CREATE TABLE signalc_pre_keys (
			account_number TEXT    NOT NULL,
			key_id         INTEGER NOT NULL,
			is_signed      BOOLEAN NOT NULL,
			record         bytea   NOT NULL,
			uploaded       BOOLEAN NOT NULL DEFAULT false,

			PRIMARY KEY (account_number, is_signed, key_id),
			FOREIGN KEY (account_number) REFERENCES signalc_accounts(number) ON DELETE CASCADE ON UPDATE CASCADE
		)`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `CREATE TABLE signalc_identity_keys (
			account_number   TEXT  NOT NULL,
			their_identifier TEXT  NOT NULL,
			key              bytea NOT NULL,
			trust_level      TEXT  NOT NULL,

			PRIMARY KEY (account_number, their_identifier),
			FOREIGN KEY (account_number) REFERENCES signalc_accounts(number) ON DELETE CASCADE ON UPDATE CASCADE
		)`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `CREATE TABLE signalc_contacts (
			account_number TEXT NOT NULL,
			aci_uuid       TEXT,
			e164           TEXT,
			profile_key    bytea,

			UNIQUE (account_number, aci_uuid),
			UNIQUE (account_number, e164),
			FOREIGN KEY (account_number) REFERENCES signalc_accounts(number) ON DELETE CASCADE ON UPDATE CASCADE
		)`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `CREATE TABLE signalc_sender_keys (
			account_number   TEXT    NOT NULL,
			their_identifier TEXT    NOT NULL,
			their_device_id  INTEGER NOT NULL,
			distribution_id  TEXT    NOT NULL,
			record           bytea   NOT NULL,

			PRIMARY KEY (account_number, their_identifier, their_device_id, distribution_id),
			FOREIGN KEY (account_number) REFERENCES signalc_accounts(number) ON DELETE CASCADE ON UPDATE CASCADE
		)`)
		return err
	})
}
