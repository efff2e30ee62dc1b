package semantic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

// Payload keys stored with every point.
const (
	payloadAdvisoryID = "advisory_id"
	payloadSeverity   = "severity"
	payloadScore      = "cvss_score"
	payloadPublished  = "published_date"
	payloadContent    = "content"
)

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantStore keeps advisories in a Qdrant collection.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// NewQdrant connects to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a store over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *QdrantStore {
	return &QdrantStore{points: points, collections: collections, collection: collection}
}

// QdrantOpener connects and makes sure the collection exists with dims-sized
// cosine vectors.
func QdrantOpener(addr, collection string, dims int) Opener {
	return func(ctx context.Context) (Backend, error) {
		s, err := NewQdrant(addr, collection)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureCollection(ctx, dims); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
}

func (q *QdrantStore) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
	}
	return nil
}

// PointID maps an advisory ID to its Qdrant point UUID. Qdrant only accepts
// integers or UUIDs, so the ID is hashed into a name-based UUID.
func PointID(advisoryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(advisoryID)).String()
}

// Upsert writes all records in one request and waits for it to be applied.
func (q *QdrantStore) Upsert(ctx context.Context, recs []Record) error {
	points := make([]*pb.PointStruct, len(recs))
	for i, r := range recs {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Vector},
				},
			},
			Payload: map[string]*pb.Value{
				payloadAdvisoryID: toValue(r.ID),
				payloadSeverity:   toValue(r.Severity),
				payloadScore:      toValue(r.Score),
				payloadPublished:  toValue(r.Published),
				payloadContent:    toValue(r.Text),
			},
		}
	}

	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           proto.Bool(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(recs), err)
	}
	return nil
}

// Query runs a k-NN search. Qdrant returns hits best first.
func (q *QdrantStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	out := make([]Match, len(resp.GetResult()))
	for i, hit := range resp.GetResult() {
		p := hit.GetPayload()
		out[i] = Match{
			AdvisoryID: p[payloadAdvisoryID].GetStringValue(),
			Severity:   p[payloadSeverity].GetStringValue(),
			Score:      p[payloadScore].GetDoubleValue(),
			Published:  p[payloadPublished].GetStringValue(),
			Text:       p[payloadContent].GetStringValue(),
			Rank:       i,
			Similarity: hit.GetScore(),
		}
	}
	return out, nil
}

func (q *QdrantStore) Count(ctx context.Context) (int, error) {
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
		Exact:          proto.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}
