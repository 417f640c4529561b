package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	tok0  = "0x0000000000000000000000000000000000001000"
	tok1  = "0x0000000000000000000000000000000000002000"
	tok2  = "0x0000000000000000000000000000000000003000"
	hooks = "0x0000000000000000000000000000000000000040"
)

func TestParsePools(t *testing.T) {
	pools, err := parsePools(" " + tok0 + ":" + tok1 + ":3000:60:" + hooks + ":-120 , " + tok0 + ":" + tok2 + ":500:10:" + hooks + ":0,")
	require.NoError(t, err)
	require.Len(t, pools, 2)

	require.Equal(t, common.HexToAddress("0x1000"), pools[0].Key.Currency0)
	require.Equal(t, common.HexToAddress("0x2000"), pools[0].Key.Currency1)
	require.Equal(t, uint32(3000), pools[0].Key.Fee)
	require.Equal(t, int32(60), pools[0].Key.TickSpacing)
	require.Equal(t, common.HexToAddress("0x40"), pools[0].Key.Hooks)
	require.Equal(t, int32(-120), pools[0].Tick)
	require.Equal(t, int32(10), pools[1].Key.TickSpacing)
}

func TestParsePools_Empty(t *testing.T) {
	pools, err := parsePools("")
	require.NoError(t, err)
	require.Empty(t, pools)
}

func TestParsePools_Rejects(t *testing.T) {
	for _, s := range []string{
		tok0 + ":" + tok1 + ":3000:60:0x40",
		"nope:" + tok1 + ":3000:60:" + hooks + ":0",
		tok0 + ":" + tok1 + ":-1:60:" + hooks + ":0",
		tok0 + ":" + tok1 + ":3000:0:" + hooks + ":0",
		tok0 + ":" + tok1 + ":3000:60:" + hooks + ":tick",
	} {
		_, err := parsePools(s)
		require.Error(t, err, s)
	}
}

func TestDefaultConfig_RequiresOwner(t *testing.T) {
	t.Setenv("TICKBOOK_OWNER", "")
	t.Setenv("TICKBOOK_SELF", "0x00000000000000000000000000000000000000e0")
	_, err := DefaultConfig()
	require.ErrorContains(t, err, "TICKBOOK_OWNER")
}

func TestDefaultConfig_FromEnv(t *testing.T) {
	t.Setenv("TICKBOOK_OWNER", "0x000000000000000000000000000000000000000e")
	t.Setenv("TICKBOOK_SELF", "0x00000000000000000000000000000000000000e0")
	t.Setenv("TICKBOOK_KEEPER", "0x00000000000000000000000000000000000000b0")
	t.Setenv("TICKBOOK_MAX_EXECUTIONS_PER_TRADE", "3")
	t.Setenv("TICKBOOK_OUTBOUND_SINK", "kafka")
	t.Setenv("TICKBOOK_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TICKBOOK_POOLS", tok0+":"+tok1+":3000:60:"+hooks+":0")

	cfg, err := DefaultConfig()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x0e"), cfg.Owner)
	require.Equal(t, common.HexToAddress("0xb0"), cfg.Keeper)
	require.Equal(t, 3, cfg.MaxExecutionsPerTrade)
	require.Equal(t, 20, cfg.MaxScaleOrders)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Len(t, cfg.Pools, 1)
}

func TestDefaultConfig_RejectsBadSink(t *testing.T) {
	t.Setenv("TICKBOOK_OWNER", "0x000000000000000000000000000000000000000e")
	t.Setenv("TICKBOOK_SELF", "0x00000000000000000000000000000000000000e0")
	t.Setenv("TICKBOOK_OUTBOUND_SINK", "carrier-pigeon")
	_, err := DefaultConfig()
	require.Error(t, err)
}
