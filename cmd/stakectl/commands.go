package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"StakeLedger/internal/accounting"
	"StakeLedger/internal/address"
	"StakeLedger/internal/config"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/vesting"
)

var errMissingArg = errors.New("missing argument")

func network(c *cli.Context) (config.Network, error) {
	return config.LookupNetwork(c.GlobalString(networkFlag.Name))
}

// readBlob reads account data from path ("-" is stdin). Base64 text is
// accepted even without --base64 when the raw size is wrong.
func readBlob(path string, forceBase64 bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !forceBase64 && len(data) == ledger.AccountSize {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		if forceBase64 {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		return data, nil
	}
	return decoded, nil
}

func loadLedger(c *cli.Context) (*ledger.PositionLedger, error) {
	path := c.Args().First()
	if path == "" {
		return nil, fmt.Errorf("%w: <file>", errMissingArg)
	}
	data, err := readBlob(path, c.Bool(base64Flag.Name))
	if err != nil {
		return nil, err
	}
	return ledger.Decode(data)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type decodeOutput struct {
	Owner     address.PublicKey         `json:"owner"`
	Occupied  int                       `json:"occupied"`
	Epoch     *uint64                   `json:"epoch,omitempty"`
	Positions []accounting.PositionView `json:"positions"`
	Totals    *accounting.StateTotals   `json:"totals,omitempty"`
}

func decodeAction(c *cli.Context) error {
	net, err := network(c)
	if err != nil {
		return err
	}
	l, err := loadLedger(c)
	if err != nil {
		return err
	}

	out := decodeOutput{Owner: l.Owner, Occupied: l.Occupied()}
	at := uint64(0)
	if e := c.Int64(epochFlag.Name); e >= 0 {
		at = uint64(e)
		out.Epoch = &at
		totals, err := accounting.ComputeStateTotals(l, at, net.UnlockingDuration)
		if err != nil {
			return err
		}
		out.Totals = &totals
	}
	out.Positions = accounting.ClassifyPositions(l, at, net.UnlockingDuration)
	return printJSON(c.App.Writer, out)
}

type summaryOutput struct {
	Network  string `json:"network"`
	UnixTime int64  `json:"unix_time"`
	Epoch    uint64 `json:"epoch"`
	Custody  uint64 `json:"custody"`
	accounting.BalanceSummary
}

func summaryAction(c *cli.Context) error {
	net, err := network(c)
	if err != nil {
		return err
	}
	clock, err := net.Clock()
	if err != nil {
		return err
	}
	l, err := loadLedger(c)
	if err != nil {
		return err
	}

	var schedule vesting.Schedule = vesting.FullyVested{}
	if path := c.String(vestingFlag.Name); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if schedule, err = vesting.UnmarshalSchedule(raw); err != nil {
			return err
		}
	}

	now := c.Int64(timeFlag.Name)
	if !c.IsSet(timeFlag.Name) {
		now = time.Now().Unix()
	}
	custody := c.Uint64(custodyFlag.Name)

	summary, err := accounting.ComputeBalanceSummary(accounting.Input{
		Ledger:            l,
		CustodyBalance:    custody,
		UnlockingDuration: net.UnlockingDuration,
		Clock:             clock,
		Vesting:           schedule,
		Now:               now,
	})
	if err != nil {
		return err
	}
	currentEpoch, err := clock.EpochOf(now)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, summaryOutput{
		Network:        net.Name,
		UnixTime:       now,
		Epoch:          currentEpoch,
		Custody:        custody,
		BalanceSummary: summary,
	})
}

type deriveOutput struct {
	address.StakeAccountAddresses
	Config address.PublicKey `json:"config"`
}

func deriveAction(c *cli.Context) error {
	net, err := network(c)
	if err != nil {
		return err
	}
	arg := c.Args().First()
	if arg == "" {
		return fmt.Errorf("%w: <stake account>", errMissingArg)
	}
	acct, err := address.ParsePublicKey(arg)
	if err != nil {
		return err
	}
	addrs, err := address.DeriveStakeAccountAddresses(acct, net.ProgramID)
	if err != nil {
		return err
	}
	cfg, err := address.ConfigAddress(net.ProgramID)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, deriveOutput{StakeAccountAddresses: addrs, Config: cfg})
}

func encodeEmptyAction(c *cli.Context) error {
	raw := c.String(ownerFlag.Name)
	if raw == "" {
		return fmt.Errorf("%w: --owner", errMissingArg)
	}
	owner, err := address.ParsePublicKey(raw)
	if err != nil {
		return err
	}

	data := ledger.Encode(ledger.NewPositionLedger(owner))
	if c.Bool(base64Flag.Name) {
		data = []byte(base64.StdEncoding.EncodeToString(data) + "\n")
	}

	if path := c.String(outFlag.Name); path != "" {
		return os.WriteFile(path, data, 0o644)
	}
	_, err = c.App.Writer.Write(data)
	return err
}
