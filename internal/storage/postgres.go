package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
)

// PostgresStorage holds the connection pool.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage opens a connection pool and ensures the schema exists.
func NewPostgresStorage(opts Options) (*PostgresStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		opts.Host, opts.User, opts.Password, opts.Name, opts.Port, opts.SSLMode,
	)
	if opts.Cert != "" {
		connStr += " sslcert=" + opts.Cert
	}
	if opts.Key != "" {
		connStr += " sslkey=" + opts.Key
	}
	if opts.RootCert != "" {
		connStr += " sslrootcert=" + opts.RootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err),
			zap.String("host", opts.Host), zap.Int("port", opts.Port), zap.String("dbname", opts.Name))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgresStorage initialized",
		zap.String("host", opts.Host), zap.Int("port", opts.Port), zap.String("dbname", opts.Name))
	return &PostgresStorage{db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_data ( id INTEGER PRIMARY KEY DEFAULT 1, key_data BYTEA, cert_data BYTEA, CONSTRAINT ca_data_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, public_key_jwk TEXT NOT NULL, key_thumbprint TEXT NOT NULL UNIQUE, contact TEXT[], status TEXT NOT NULL, tos_agreed BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS certificates_data ( serial_number TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, chain_pem TEXT, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, account_id TEXT NOT NULL, order_id TEXT NOT NULL, revoked BOOLEAN NOT NULL DEFAULT false, revoked_at TIMESTAMP WITH TIME ZONE, revocation_reason INTEGER );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_account_id ON certificates_data (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_revoked ON certificates_data (revoked);`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, error_json JSONB, certificate_serial TEXT, version BIGINT NOT NULL DEFAULT 1, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, order_id TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL UNIQUE, validated_at TIMESTAMP WITH TIME ZONE, error_json JSONB, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_domains ( domain TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_suffixes ( suffix TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
	}

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err),
				zap.Int("statement_index", i))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_orders_account_id') THEN
                ALTER TABLE acme_orders ADD CONSTRAINT fk_acme_orders_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_authorizations_order_id') THEN
                ALTER TABLE acme_authorizations ADD CONSTRAINT fk_acme_authorizations_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_challenges_authorization_id') THEN
                ALTER TABLE acme_challenges ADD CONSTRAINT fk_acme_challenges_authorization_id FOREIGN KEY (authorization_id) REFERENCES acme_authorizations(id) ON DELETE CASCADE;
            END IF;
        END $$;`
	if _, err := db.ExecContext(ctx, fkStmt); err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("code", string(pqErr.Code)),
				zap.String("constraint", pqErr.Constraint))
		}
		return fmt.Errorf("storage: failed to initialize database schema (constraints): %w", err)
	}
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgresStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- CA material ---

func (s *PostgresStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	query := `INSERT INTO ca_data (id, key_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET key_data = EXCLUDED.key_data`
	if _, err := s.db.ExecContext(ctx, query, keyBytes); err != nil {
		return fmt.Errorf("storage: failed to save CA private key: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	var keyBytes []byte
	err := s.db.QueryRowContext(ctx, `SELECT key_data FROM ca_data WHERE id = 1`).Scan(&keyBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA private key: %w", err)
	}
	return keyBytes, nil
}

func (s *PostgresStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	query := `INSERT INTO ca_data (id, cert_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET cert_data = EXCLUDED.cert_data`
	if _, err := s.db.ExecContext(ctx, query, certBytes); err != nil {
		return fmt.Errorf("storage: failed to save CA certificate: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	var certBytes []byte
	err := s.db.QueryRowContext(ctx, `SELECT cert_data FROM ca_data WHERE id = 1`).Scan(&certBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA certificate: %w", err)
	}
	return certBytes, nil
}

// --- Issued certificates ---

func (s *PostgresStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	query := `
        INSERT INTO certificates_data
            (serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (serial_number) DO UPDATE SET
            certificate_pem = EXCLUDED.certificate_pem, chain_pem = EXCLUDED.chain_pem,
            issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at,
            account_id = EXCLUDED.account_id, order_id = EXCLUDED.order_id,
            revoked = EXCLUDED.revoked, revoked_at = EXCLUDED.revoked_at, revocation_reason = EXCLUDED.revocation_reason`
	var revokedAt sql.NullTime
	if certData.Revoked && !certData.RevokedAt.IsZero() {
		revokedAt = sql.NullTime{Time: certData.RevokedAt, Valid: true}
	}
	var reason sql.NullInt32
	if certData.Revoked {
		reason = sql.NullInt32{Int32: int32(certData.RevocationReason), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		certData.SerialNumber, certData.CertificatePEM, nullString(certData.ChainPEM),
		certData.IssuedAt, certData.ExpiresAt, certData.AccountID, certData.OrderID,
		certData.Revoked, revokedAt, reason)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate data for serial '%s': %w", certData.SerialNumber, err)
	}
	logger.Debug("Certificate data saved", zap.String("serialNumber", certData.SerialNumber))
	return nil
}

func (s *PostgresStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	query := `SELECT serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason
        FROM certificates_data WHERE serial_number = $1`
	row := s.db.QueryRowContext(ctx, query, serialNumber)
	certData, err := scanCertificateData(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate data for serial '%s': %w", serialNumber, err)
	}
	return certData, nil
}

func (s *PostgresStorage) UpdateCertificateRevocation(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) error {
	query := `UPDATE certificates_data SET revoked = true, revoked_at = $2, revocation_reason = $3 WHERE serial_number = $1`
	result, err := s.db.ExecContext(ctx, query, serialNumber, revokedAt, reasonCode)
	if err != nil {
		return fmt.Errorf("storage: failed to update revocation status for serial '%s': %w", serialNumber, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		logger.Warn("Revocation update affected 0 rows", zap.String("serialNumber", serialNumber))
	}
	return nil
}

func (s *PostgresStorage) ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error) {
	query := `SELECT serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason
        FROM certificates_data WHERE revoked = true ORDER BY revoked_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query revoked certificates: %w", err)
	}
	defer rows.Close()
	revoked := make([]*model.CertificateData, 0)
	for rows.Next() {
		certData, err := scanCertificateData(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan revoked certificate row: %w", err)
		}
		revoked = append(revoked, certData)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating revoked certificate rows: %w", err)
	}
	return revoked, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCertificateData(row rowScanner) (*model.CertificateData, error) {
	var certData model.CertificateData
	var chainPEM sql.NullString
	var revokedAt sql.NullTime
	var reason sql.NullInt32
	err := row.Scan(&certData.SerialNumber, &certData.CertificatePEM, &chainPEM,
		&certData.IssuedAt, &certData.ExpiresAt, &certData.AccountID, &certData.OrderID,
		&certData.Revoked, &revokedAt, &reason)
	if err != nil {
		return nil, err
	}
	certData.ChainPEM = chainPEM.String
	if revokedAt.Valid {
		certData.RevokedAt = revokedAt.Time
	}
	if reason.Valid {
		certData.RevocationReason = int(reason.Int32)
	}
	return &certData, nil
}

// --- Nonces ---

func (s *PostgresStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	query := `INSERT INTO acme_nonces (value, issued_at, expires_at) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, nonce.Value, nonce.IssuedAt, nonce.ExpiresAt); err != nil {
		return fmt.Errorf("storage: failed to save nonce: %w", err)
	}
	return nil
}

// ConsumeNonce relies on DELETE ... RETURNING for linearizability: the row
// delete is atomic, so exactly one concurrent caller observes the row.
func (s *PostgresStorage) ConsumeNonce(ctx context.Context, value string, now time.Time) (bool, error) {
	query := `DELETE FROM acme_nonces WHERE value = $1 AND expires_at > $2 RETURNING value`
	var consumed string
	err := s.db.QueryRowContext(ctx, query, value, now).Scan(&consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil // unknown, already consumed, or expired
		}
		return false, fmt.Errorf("storage: failed to consume nonce: %w", err)
	}
	return true, nil
}

func (s *PostgresStorage) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM acme_nonces WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired nonces", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- Accounts ---

func (s *PostgresStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	query := `
        INSERT INTO acme_accounts (id, public_key_jwk, key_thumbprint, contact, status, tos_agreed, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            contact = EXCLUDED.contact, status = EXCLUDED.status,
            tos_agreed = EXCLUDED.tos_agreed, last_modified_at = EXCLUDED.last_modified_at`
	_, err := s.db.ExecContext(ctx, query,
		acc.ID, acc.PublicKeyJWK, acc.KeyThumbprint, pq.Array(acc.Contact),
		string(acc.Status), acc.TermsOfService, acc.CreatedAt, acc.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.ID, err)
	}
	logger.Debug("Account saved", zap.String("accountID", acc.ID))
	return nil
}

func (s *PostgresStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.getAccountWhere(ctx, `id = $1`, id)
}

func (s *PostgresStorage) GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error) {
	return s.getAccountWhere(ctx, `key_thumbprint = $1`, thumbprint)
}

func (s *PostgresStorage) getAccountWhere(ctx context.Context, where string, arg interface{}) (*model.Account, error) {
	query := `SELECT id, public_key_jwk, key_thumbprint, contact, status, tos_agreed, created_at, last_modified_at
        FROM acme_accounts WHERE ` + where
	var acc model.Account
	var contacts pq.StringArray
	var status string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&acc.ID, &acc.PublicKeyJWK, &acc.KeyThumbprint, &contacts, &status,
		&acc.TermsOfService, &acc.CreatedAt, &acc.LastModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account: %w", err)
	}
	acc.Contact = []string(contacts)
	acc.Status = model.Status(status)
	return &acc, nil
}

// --- Orders ---

func (s *PostgresStorage) InsertOrder(ctx context.Context, order *model.Order) error {
	identJSON, errJSON, err := marshalOrderBlobs(order)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO acme_orders
            (id, account_id, status, expires_at, identifiers_json, not_before, not_after, error_json, certificate_serial, version, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`
	_, err = s.db.ExecContext(ctx, query,
		order.ID, order.AccountID, string(order.Status), order.Expires, identJSON,
		nullTime(order.NotBefore), nullTime(order.NotAfter), errJSON,
		nullString(order.CertificateSerial), order.CreatedAt, order.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to insert order '%s': %w", order.ID, err)
	}
	order.Version = 1
	return nil
}

// UpdateOrder writes the order back only if the stored version still matches;
// on success it bumps the caller's version to the stored value.
func (s *PostgresStorage) UpdateOrder(ctx context.Context, order *model.Order) error {
	identJSON, errJSON, err := marshalOrderBlobs(order)
	if err != nil {
		return err
	}
	query := `
        UPDATE acme_orders SET
            status = $2, expires_at = $3, identifiers_json = $4, not_before = $5, not_after = $6,
            error_json = $7, certificate_serial = $8, version = version + 1, last_modified_at = $9
        WHERE id = $1 AND version = $10`
	result, err := s.db.ExecContext(ctx, query,
		order.ID, string(order.Status), order.Expires, identJSON,
		nullTime(order.NotBefore), nullTime(order.NotAfter), errJSON,
		nullString(order.CertificateSerial), order.LastModifiedAt, order.Version)
	if err != nil {
		return fmt.Errorf("storage: failed to update order '%s': %w", order.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrStaleOrder
	}
	order.Version++
	return nil
}

func (s *PostgresStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	query := orderSelect + ` WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get order '%s': %w", id, err)
	}
	return order, nil
}

func (s *PostgresStorage) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	query := orderSelect + ` WHERE account_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders for account '%s': %w", accountID, err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows: %w", err)
	}
	return orders, nil
}

const orderSelect = `SELECT id, account_id, status, expires_at, identifiers_json, not_before, not_after, error_json, certificate_serial, version, created_at, last_modified_at FROM acme_orders`

func marshalOrderBlobs(order *model.Order) ([]byte, interface{}, error) {
	identJSON, err := json.Marshal(order.Identifiers)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to marshal order identifiers: %w", err)
	}
	var errJSON interface{}
	if order.Error != nil {
		b, err := json.Marshal(order.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: failed to marshal order error: %w", err)
		}
		errJSON = b
	}
	return identJSON, errJSON, nil
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var order model.Order
	var status string
	var identJSON []byte
	var errJSON []byte
	var notBefore, notAfter sql.NullTime
	var serial sql.NullString
	err := row.Scan(&order.ID, &order.AccountID, &status, &order.Expires, &identJSON,
		&notBefore, &notAfter, &errJSON, &serial, &order.Version,
		&order.CreatedAt, &order.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	order.Status = model.Status(status)
	if err := json.Unmarshal(identJSON, &order.Identifiers); err != nil {
		return nil, fmt.Errorf("invalid identifiers_json: %w", err)
	}
	if len(errJSON) > 0 {
		var prob problem.Details
		if err := json.Unmarshal(errJSON, &prob); err != nil {
			return nil, fmt.Errorf("invalid error_json: %w", err)
		}
		order.Error = &prob
	}
	if notBefore.Valid {
		t := notBefore.Time
		order.NotBefore = &t
	}
	if notAfter.Valid {
		t := notAfter.Time
		order.NotAfter = &t
	}
	order.CertificateSerial = serial.String
	return &order, nil
}

// --- Authorizations ---

func (s *PostgresStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	identJSON, err := json.Marshal(authz.Identifier)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal authorization identifier: %w", err)
	}
	query := `
        INSERT INTO acme_authorizations (id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at`
	_, err = s.db.ExecContext(ctx, query,
		authz.ID, authz.AccountID, authz.OrderID, identJSON, string(authz.Status),
		authz.Expires, authz.Wildcard, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.ID, err)
	}
	return nil
}

func (s *PostgresStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	query := authzSelect + ` WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	authz, err := scanAuthorization(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get authorization '%s': %w", id, err)
	}
	return authz, nil
}

func (s *PostgresStorage) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	query := authzSelect + ` WHERE order_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations for order '%s': %w", orderID, err)
	}
	defer rows.Close()
	authzs := make([]*model.Authorization, 0)
	for rows.Next() {
		authz, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row: %w", err)
		}
		authzs = append(authzs, authz)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows: %w", err)
	}
	return authzs, nil
}

const authzSelect = `SELECT id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at FROM acme_authorizations`

func scanAuthorization(row rowScanner) (*model.Authorization, error) {
	var authz model.Authorization
	var status string
	var identJSON []byte
	err := row.Scan(&authz.ID, &authz.AccountID, &authz.OrderID, &identJSON,
		&status, &authz.Expires, &authz.Wildcard, &authz.CreatedAt)
	if err != nil {
		return nil, err
	}
	authz.Status = model.Status(status)
	if err := json.Unmarshal(identJSON, &authz.Identifier); err != nil {
		return nil, fmt.Errorf("invalid identifier_json: %w", err)
	}
	return &authz, nil
}

// --- Challenges ---

func (s *PostgresStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	var errJSON interface{}
	if chal.Error != nil {
		b, err := json.Marshal(chal.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal challenge error: %w", err)
		}
		errJSON = b
	}
	query := `
        INSERT INTO acme_challenges (id, authorization_id, type, status, token, validated_at, error_json, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status, validated_at = EXCLUDED.validated_at, error_json = EXCLUDED.error_json`
	_, err := s.db.ExecContext(ctx, query,
		chal.ID, chal.AuthorizationID, chal.Type, string(chal.Status), chal.Token,
		nullTime(chal.Validated), errJSON, chal.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge '%s': %w", chal.ID, err)
	}
	return nil
}

func (s *PostgresStorage) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return s.getChallengeWhere(ctx, `id = $1`, id)
}

func (s *PostgresStorage) GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error) {
	return s.getChallengeWhere(ctx, `token = $1`, token)
}

func (s *PostgresStorage) getChallengeWhere(ctx context.Context, where string, arg interface{}) (*model.Challenge, error) {
	query := challengeSelect + ` WHERE ` + where
	row := s.db.QueryRowContext(ctx, query, arg)
	chal, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge: %w", err)
	}
	return chal, nil
}

func (s *PostgresStorage) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	query := challengeSelect + ` WHERE authorization_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, authzID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges for authorization '%s': %w", authzID, err)
	}
	defer rows.Close()
	chals := make([]*model.Challenge, 0)
	for rows.Next() {
		chal, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row: %w", err)
		}
		chals = append(chals, chal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows: %w", err)
	}
	return chals, nil
}

const challengeSelect = `SELECT id, authorization_id, type, status, token, validated_at, error_json, created_at FROM acme_challenges`

func scanChallenge(row rowScanner) (*model.Challenge, error) {
	var chal model.Challenge
	var status string
	var validated sql.NullTime
	var errJSON []byte
	err := row.Scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &status, &chal.Token,
		&validated, &errJSON, &chal.CreatedAt)
	if err != nil {
		return nil, err
	}
	chal.Status = model.Status(status)
	if validated.Valid {
		t := validated.Time
		chal.Validated = &t
	}
	if len(errJSON) > 0 {
		var prob problem.Details
		if err := json.Unmarshal(errJSON, &prob); err != nil {
			return nil, fmt.Errorf("invalid error_json: %w", err)
		}
		chal.Error = &prob
	}
	return &chal, nil
}

// --- Issuance policy ---

func (s *PostgresStorage) AddAllowedDomain(ctx context.Context, domain string) error {
	query := `INSERT INTO policy_allowed_domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, normalizeDomain(domain)); err != nil {
		return fmt.Errorf("storage: failed to add allowed domain '%s': %w", domain, err)
	}
	return nil
}

func (s *PostgresStorage) DeleteAllowedDomain(ctx context.Context, domain string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM policy_allowed_domains WHERE domain = $1`, normalizeDomain(domain)); err != nil {
		return fmt.Errorf("storage: failed to delete allowed domain '%s': %w", domain, err)
	}
	return nil
}

func (s *PostgresStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT domain FROM policy_allowed_domains ORDER BY domain`)
}

// IsDomainAllowed checks exact domain entries, then stored suffixes. An empty
// policy set allows everything: proof of control is established through
// challenges, the policy list is an optional extra gate.
func (s *PostgresStorage) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	norm := normalizeDomain(domain)

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM policy_allowed_domains) + (SELECT COUNT(*) FROM policy_allowed_suffixes)`).Scan(&total)
	if err != nil {
		return false, fmt.Errorf("storage: failed to count policy entries: %w", err)
	}
	if total == 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM policy_allowed_domains WHERE domain = $1)`, norm).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: failed to check allowed domain '%s': %w", norm, err)
	}
	if exists {
		return true, nil
	}

	suffixes, err := s.ListAllowedSuffixes(ctx)
	if err != nil {
		return false, err
	}
	for _, suffix := range suffixes {
		if suffixMatches(norm, suffix) {
			return true, nil
		}
	}
	return false, nil
}

func (s *PostgresStorage) AddAllowedSuffix(ctx context.Context, suffix string) error {
	query := `INSERT INTO policy_allowed_suffixes (suffix) VALUES ($1) ON CONFLICT (suffix) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, normalizeDomain(suffix)); err != nil {
		return fmt.Errorf("storage: failed to add allowed suffix '%s': %w", suffix, err)
	}
	return nil
}

func (s *PostgresStorage) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM policy_allowed_suffixes WHERE suffix = $1`, normalizeDomain(suffix)); err != nil {
		return fmt.Errorf("storage: failed to delete allowed suffix '%s': %w", suffix, err)
	}
	return nil
}

func (s *PostgresStorage) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT suffix FROM policy_allowed_suffixes ORDER BY suffix`)
}

func (s *PostgresStorage) listStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: query failed: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating rows: %w", err)
	}
	return out, nil
}

// --- Management API keys ---

func (s *PostgresStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	query := `INSERT INTO api_keys (api_key, roles) VALUES ($1, $2) ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`
	if _, err := s.db.ExecContext(ctx, query, apiKey, pq.Array(roles)); err != nil {
		return fmt.Errorf("storage: failed to save API key: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	var roles pq.StringArray
	err := s.db.QueryRowContext(ctx, `SELECT roles FROM api_keys WHERE api_key = $1`, apiKey).Scan(&roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get API key: %w", err)
	}
	return []string(roles), nil
}

// --- sql helpers ---

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
