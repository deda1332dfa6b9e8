package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const findVerifiedContractQuery = `
SELECT sc.name, sc.abi, COALESCE(pi.proxy_type, ''), COALESCE(pi.address_hashes, '{}')
FROM smart_contracts sc
LEFT JOIN proxy_implementations pi ON pi.proxy_address_hash = sc.address_hash
WHERE sc.address_hash = $1`

const findCandidateMethodsQuery = `
SELECT abi
FROM contract_methods
WHERE identifier = $1 AND type = 'event'
ORDER BY inserted_at ASC, id ASC
LIMIT $2`

// PostgresStore reads verified contracts and contract methods from
// PostgreSQL. Reads go to the replica pool when Options.UseReplica is set
// and a replica is configured.
type PostgresStore struct {
	primary *pgxpool.Pool
	replica *pgxpool.Pool
}

// NewPostgresStore connects to the primary database and, if replicaURL is
// not empty, to a read replica.
func NewPostgresStore(ctx context.Context, primaryURL, replicaURL string) (*PostgresStore, error) {
	primary, err := pgxpool.Connect(ctx, primaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := &PostgresStore{primary: primary}
	if replicaURL != "" {
		replica, err := pgxpool.Connect(ctx, replicaURL)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("failed to connect to replica: %w", err)
		}
		s.replica = replica
	}
	return s, nil
}

// Close releases both pools
func (s *PostgresStore) Close() {
	s.primary.Close()
	if s.replica != nil {
		s.replica.Close()
	}
}

func (s *PostgresStore) pool(opts models.Options) *pgxpool.Pool {
	if opts.UseReplica && s.replica != nil {
		return s.replica
	}
	return s.primary
}

// Migrate creates the tables this store reads from if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.primary.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// FindVerifiedContract implements ContractStore
func (s *PostgresStore) FindVerifiedContract(ctx context.Context, address common.Address, opts models.Options) (*VerifiedContract, error) {
	var (
		name      string
		rawABI    []byte
		proxyType string
		impls     [][]byte
	)
	err := s.pool(opts).QueryRow(ctx, findVerifiedContractQuery, address.Bytes()).Scan(&name, &rawABI, &proxyType, &impls)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query smart contract %s: %w", address.Hex(), err)
	}

	abi, err := models.ParseABI(rawABI)
	if err != nil {
		return nil, fmt.Errorf("smart contract %s: %w", address.Hex(), err)
	}
	contract := &VerifiedContract{
		Address:   address,
		Name:      name,
		ABI:       abi,
		ProxyType: proxyType,
	}
	for _, impl := range impls {
		contract.Implementations = append(contract.Implementations, common.BytesToAddress(impl))
	}
	return contract, nil
}

// FindCandidateMethods implements MethodStore
func (s *PostgresStore) FindCandidateMethods(ctx context.Context, methodID [4]byte, limit int, opts models.Options) ([]models.ABIEntry, error) {
	rows, err := s.pool(opts).Query(ctx, findCandidateMethodsQuery, methodID[:], limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query contract methods %x: %w", methodID, err)
	}
	defer rows.Close()

	var entries []models.ABIEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan contract method: %w", err)
		}
		var entry models.ABIEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// a malformed fragment is not a candidate
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InsertContract stores a verified contract, its proxy implementations and
// its event fragments.
func (s *PostgresStore) InsertContract(ctx context.Context, c VerifiedContract) error {
	rawABI, err := json.Marshal(c.ABI)
	if err != nil {
		return fmt.Errorf("failed to marshal ABI: %w", err)
	}

	return s.primary.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO smart_contracts (address_hash, name, abi) VALUES ($1, $2, $3)
			 ON CONFLICT (address_hash) DO UPDATE SET name = EXCLUDED.name, abi = EXCLUDED.abi`,
			c.Address.Bytes(), c.Name, rawABI); err != nil {
			return fmt.Errorf("failed to insert smart contract: %w", err)
		}

		if c.IsProxy() {
			impls := make([][]byte, len(c.Implementations))
			for i, impl := range c.Implementations {
				impls[i] = impl.Bytes()
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO proxy_implementations (proxy_address_hash, proxy_type, address_hashes) VALUES ($1, $2, $3)
				 ON CONFLICT (proxy_address_hash) DO UPDATE SET proxy_type = EXCLUDED.proxy_type, address_hashes = EXCLUDED.address_hashes`,
				c.Address.Bytes(), c.ProxyType, impls); err != nil {
				return fmt.Errorf("failed to insert proxy implementations: %w", err)
			}
		}

		for _, entry := range c.ABI {
			if !entry.IsEvent() {
				continue
			}
			if err := insertMethod(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertMethod(ctx context.Context, tx pgx.Tx, entry models.ABIEntry) error {
	topic, err := abicodec.EventTopic(entry)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	id := abicodec.MethodID(topic)
	_, err = tx.Exec(ctx,
		`INSERT INTO contract_methods (identifier, abi, type) VALUES ($1, $2, 'event')
		 ON CONFLICT (identifier, abi) DO NOTHING`,
		id[:], raw)
	if err != nil {
		return fmt.Errorf("failed to insert contract method: %w", err)
	}
	return nil
}
