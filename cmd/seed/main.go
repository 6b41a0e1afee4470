package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Ishan3450/complete-stock-exchange/internal/config"
	"github.com/Ishan3450/complete-stock-exchange/internal/protocol"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// Seed publishes a demo market with two funded users onto the command topic
func main() {
	app := &cli.App{
		Name:  "seed",
		Usage: "publish demo market and users",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"EXCHANGE_CONFIG"}},
			&cli.StringFlag{Name: "env-file", Value: ".env"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func demoCommands() []protocol.Command {
	return []protocol.Command{
		protocol.AddMarket{BaseAsset: "TATA", QuoteAsset: "INR"},
		protocol.CreateUser{UserID: "user1"},
		protocol.CreateUser{UserID: "user7"},
		protocol.AddBalance{UserID: "user1", Currency: "INR", Amount: decimal.NewFromInt(10000)},
		protocol.AddBalance{UserID: "user7", Currency: "INR", Amount: decimal.NewFromInt(5000)},
		protocol.AddHoldings{UserID: "user1", BaseAsset: "TATA", Quantity: decimal.NewFromInt(2)},
		protocol.AddHoldings{UserID: "user7", BaseAsset: "TATA", Quantity: decimal.NewFromInt(1)},
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.CommandTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	defer writer.Close()

	// Replies are not needed, and commands must keep their order on one partition.
	msgs := make([]kafka.Message, 0, len(demoCommands()))
	for _, cmd := range demoCommands() {
		value, err := protocol.Request{ClientID: protocol.NoReply, Command: cmd}.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", cmd.CommandType(), err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte("seed"), Value: value})
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish seed commands: %w", err)
	}
	fmt.Printf("Published %d seed commands to %s\n", len(msgs), cfg.Kafka.CommandTopic)
	return nil
}
