package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"agentdb/pkg/logger"
)

// QdrantIndex is a VectorIndex backed by a remote qdrant instance over grpc.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      qdrantclient.PointsClient
	collections qdrantclient.CollectionsClient
	collection  string
	ensured     bool
}

// NewQdrantIndex dials addr (host:port of the grpc endpoint). The collection
// is created lazily on first Add, once the vector dimension is known.
func NewQdrantIndex(addr, collection string) (*QdrantIndex, error) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant dial %s: %w", addr, err)
	}
	return &QdrantIndex{
		conn:        conn,
		points:      qdrantclient.NewPointsClient(conn),
		collections: qdrantclient.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim int) error {
	if q.ensured {
		return nil
	}
	list, err := q.collections.List(ctx, &qdrantclient.ListCollectionsRequest{})
	if err != nil {
		return err
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			q.ensured = true
			return nil
		}
	}
	_, err = q.collections.Create(ctx, &qdrantclient.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     uint64(dim),
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return err
	}
	logger.Info("qdrant_collection_created", "collection", q.collection, "dim", dim)
	q.ensured = true
	return nil
}

// pointID maps an arbitrary id onto the uuid space qdrant accepts,
// deterministically so Delete finds what Add wrote.
func pointID(id string) *qdrantclient.PointId {
	return &qdrantclient.PointId{
		PointIdOptions: &qdrantclient.PointId_Uuid{
			Uuid: uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(),
		},
	}
}

func (q *QdrantIndex) Add(ctx context.Context, id string, vec []float32, payload map[string]string) error {
	if err := q.ensureCollection(ctx, len(vec)); err != nil {
		return err
	}
	qp := make(map[string]*qdrantclient.Value, len(payload)+1)
	qp["id"] = &qdrantclient.Value{Kind: &qdrantclient.Value_StringValue{StringValue: id}}
	for k, v := range payload {
		qp[k] = &qdrantclient.Value{Kind: &qdrantclient.Value_StringValue{StringValue: v}}
	}
	_, err := q.points.Upsert(ctx, &qdrantclient.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrantclient.PointStruct{{
			Id: pointID(id),
			Vectors: &qdrantclient.Vectors{
				VectorsOptions: &qdrantclient.Vectors_Vector{
					Vector: &qdrantclient.Vector{Data: vec},
				},
			},
			Payload: qp,
		}},
	})
	return err
}

func (q *QdrantIndex) Search(ctx context.Context, vec []float32, limit int, must map[string]string) ([]VectorHit, error) {
	req := &qdrantclient.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if len(must) > 0 {
		conds := make([]*qdrantclient.Condition, 0, len(must))
		for k, v := range must {
			conds = append(conds, &qdrantclient.Condition{
				ConditionOneOf: &qdrantclient.Condition_Field{
					Field: &qdrantclient.FieldCondition{
						Key:   k,
						Match: &qdrantclient.Match{MatchValue: &qdrantclient.Match_Keyword{Keyword: v}},
					},
				},
			})
		}
		req.Filter = &qdrantclient.Filter{Must: conds}
	}
	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]VectorHit, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := make(map[string]string, len(p.GetPayload()))
		for k, v := range p.GetPayload() {
			payload[k] = v.GetStringValue()
		}
		out = append(out, VectorHit{
			ID:      payload["id"],
			Score:   float64(p.GetScore()),
			Payload: payload,
		})
	}
	return out, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	_, err := q.points.Delete(ctx, &qdrantclient.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrantclient.PointsSelector{
			PointsSelectorOneOf: &qdrantclient.PointsSelector_Points{
				Points: &qdrantclient.PointsIdsList{Ids: []*qdrantclient.PointId{pointID(id)}},
			},
		},
	})
	return err
}

func (q *QdrantIndex) Close() error { return q.conn.Close() }
