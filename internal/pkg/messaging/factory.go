package messaging

import (
	"github.com/shandysiswandi/bps/internal/pkg/bps"
)

// Schemes lists every scheme bound by RegisterAll.
var Schemes = []string{
	SchemeFile,
	SchemeGCPPubSub,
	SchemeGCS,
	SchemeJetStream,
	SchemeKafka,
	SchemeKafkaSync,
	SchemeMem,
	SchemeMinIO,
	SchemeNATS,
	SchemeNSQ,
	SchemePostgres,
	SchemePostgreSQL,
	SchemeRedis,
	SchemeRedisTLS,
	SchemeS3,
}

// RegisterAll binds the publisher and subscriber factories of every backend
// in this package on reg.
func RegisterAll(reg *bps.Registry) {
	RegisterFile(reg)
	RegisterPubSub(reg)
	RegisterBlob(reg)
	RegisterJetStream(reg)
	RegisterKafka(reg)
	RegisterMem(reg)
	RegisterNATS(reg)
	RegisterNSQ(reg)
	RegisterPostgres(reg)
	RegisterRedis(reg)
}
