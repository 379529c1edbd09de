package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/suite"
	tcClickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/treasury"
)

const (
	clickhouseImage = "clickhouse/clickhouse-server:25.11"
)

type RepositorySuite struct {
	suite.Suite
	ctx        context.Context
	cancel     context.CancelFunc
	container  *tcClickhouse.ClickHouseContainer
	dsn        string
	repo       *Repository
	metrics    *MockMetrics
	metricsCtl *gomock.Controller
	testCtx    context.Context
	testCancel context.CancelFunc
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	container, err := tcClickhouse.Run(s.ctx,
		clickhouseImage,
		tcClickhouse.WithUsername("default"),
		tcClickhouse.WithDatabase("default"),
	)
	s.Require().NoError(err)

	s.container = container

	dsn, err := container.ConnectionString(s.ctx)
	s.Require().NoError(err)
	s.dsn = dsn
}

func (s *RepositorySuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *RepositorySuite) SetupTest() {
	s.testCtx, s.testCancel = context.WithTimeout(context.Background(), time.Minute)
	s.metricsCtl = gomock.NewController(s.T())
	s.metrics = NewMockMetrics(s.metricsCtl)

	s.Require().NoError(applyMigrationsUp(s.dsn))

	repo, err := NewRepository(s.dsn, s.metrics)
	s.Require().NoError(err)
	s.repo = repo
}

func (s *RepositorySuite) TearDownTest() {
	if s.testCancel != nil {
		s.testCancel()
	}
	s.Require().NoError(applyMigrationsDown(s.dsn))
	if s.metricsCtl != nil {
		s.metricsCtl.Finish()
	}
}

func (s *RepositorySuite) TestInsertEvents() {
	s.metrics.EXPECT().Observe("insert_events", nil, gomock.Any())

	from := model.PublicKey{1}
	to := model.PublicKey{2}
	events := []ledger.Event{
		{Seq: 1, Kind: ledger.EventMint, To: &to, Amount: 500, Ref: model.Hash{9}, Timestamp: time.Now().UTC()},
		{Seq: 2, Kind: ledger.EventTransfer, From: &to, To: &from, Amount: 200, Ref: model.Hash{10}, Timestamp: time.Now().UTC()},
		{Seq: 3, Kind: ledger.EventLock, From: &from, Amount: 100, Purpose: ledger.PurposeGovernance, Ref: model.Hash{11}, Timestamp: time.Now().UTC()},
	}

	s.Require().NoError(s.repo.InsertEvents(s.testCtx, events))
	s.Require().Equal(uint64(3), s.countRows("ledger_events"))
}

func (s *RepositorySuite) TestInsertEventsEmpty() {
	s.metrics.EXPECT().Observe("insert_events", nil, gomock.Any())
	s.Require().NoError(s.repo.InsertEvents(s.testCtx, nil))
	s.Require().Equal(uint64(0), s.countRows("ledger_events"))
}

func (s *RepositorySuite) TestInsertTreasuryTransactions() {
	s.metrics.EXPECT().Observe("insert_treasury_transactions", nil, gomock.Any())

	txs := []treasury.Transaction{
		{ID: model.Hash{1}, ProposalID: model.Hash{7}, Kind: treasury.TxAllocation, Amount: 50_000, Recipient: model.PublicKey{3}, At: time.Now().UTC()},
		{ID: model.Hash{2}, ProposalID: model.Hash{7}, Kind: treasury.TxDisbursement, Amount: 20_000, Recipient: model.PublicKey{3}, At: time.Now().UTC()},
	}

	s.Require().NoError(s.repo.InsertTreasuryTransactions(s.testCtx, txs))
	s.Require().Equal(uint64(2), s.countRows("treasury_transactions"))
}

func (s *RepositorySuite) countRows(table string) uint64 {
	rows, err := s.repo.conn.Query(s.testCtx, fmt.Sprintf("SELECT count() FROM %s", table))
	s.Require().NoError(err)
	defer func() {
		s.Require().NoError(rows.Close())
	}()

	var count uint64
	s.Require().True(rows.Next())
	s.Require().NoError(rows.Scan(&count))
	return count
}

func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working dir: %w", err)
	}

	for {
		if _, statErr := os.Stat(filepath.Join(dir, "go.mod")); statErr == nil {
			return dir, nil
		}
		next := filepath.Dir(dir)
		if next == dir {
			return "", fmt.Errorf("go.mod not found from %s", dir)
		}
		dir = next
	}
}

func applyMigrationsUp(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func applyMigrationsDown(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

func newMigrate(dsn string) (*migrate.Migrate, error) {
	root, err := moduleRoot()
	if err != nil {
		return nil, err
	}
	sourceURL := fmt.Sprintf("file://%s", filepath.ToSlash(filepath.Join(root, "migrations", "clickhouse")))
	m, err := migrate.New(sourceURL, dsn)
	if err != nil {
		return nil, fmt.Errorf("init migrate: %w", err)
	}
	return m, nil
}
