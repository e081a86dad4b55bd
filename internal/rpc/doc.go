// Package rpc exposes the loss engine over gRPC and provides the matching
// client used by `lossengine -remote`.
//
// There is no generated stub. The service is described by hand (ServiceDesc)
// and both directions carry a google.protobuf.Struct:
//
//	/lossengine.v1.LossService/Estimate
//	  request:  {records: [...], formula, discount_rate, horizon_years,
//	             workers, include_losses}
//	  response: {run_id, formula, workers, records, chunks, total_loss,
//	             duration_ms, losses?, building_ids?}
//
// Records use the same field names as the JSON dataset format. The server
// also registers the standard grpc.health.v1.Health service.
package rpc
