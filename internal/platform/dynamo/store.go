// Package dynamo implements the orchestrator's Store on a single DynamoDB
// table.
//
// Key layout (pk / sk):
//
//	CHANNEL#<id>  META        channel record      gsi1: CHANNEL_STATE#<state>
//	HOST#<id>     ASSIGNMENT  channel assignment
//	SESSION#<id>  META        session record      gsi1: SESSION_STATUS#<status>
//	SHOW#<id>     META        known show
//
// Channel and session writes are conditional on the numeric version
// attribute. Reads by key are strongly consistent; index queries are not.
package dynamo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/samber/oops"

	"session-orchestrator/internal/orchestrator"
)

// IndexName is the global secondary index over gsi1pk / gsi1sk.
const IndexName = "gsi1"

const (
	metaSK       = "META"
	assignmentSK = "ASSIGNMENT"
)

// Store is a DynamoDB backed orchestrator.Store and ShowRegistry.
type Store struct {
	db    dynamodbiface.DynamoDBAPI
	table string
}

var (
	_ orchestrator.Store        = (*Store)(nil)
	_ orchestrator.ShowRegistry = (*Store)(nil)
)

// New returns a Store over table.
func New(db dynamodbiface.DynamoDBAPI, table string) *Store {
	return &Store{db: db, table: table}
}

type channelItem struct {
	PK               string     `dynamodbav:"pk"`
	SK               string     `dynamodbav:"sk"`
	GSI1PK           string     `dynamodbav:"gsi1pk"`
	GSI1SK           string     `dynamodbav:"gsi1sk"`
	ID               string     `dynamodbav:"id"`
	Handle           string     `dynamodbav:"handle"`
	Name             string     `dynamodbav:"name"`
	State            string     `dynamodbav:"state"`
	CurrentSessionID string     `dynamodbav:"currentSessionId,omitempty"`
	SessionCount     int64      `dynamodbav:"sessionCount"`
	LiveSeconds      int64      `dynamodbav:"liveSeconds"`
	LastStartedAt    *time.Time `dynamodbav:"lastStartedAt,omitempty"`
	LastEndedAt      *time.Time `dynamodbav:"lastEndedAt,omitempty"`
	CreatedAt        time.Time  `dynamodbav:"createdAt"`
	UpdatedAt        time.Time  `dynamodbav:"updatedAt"`
	Version          int64      `dynamodbav:"version"`
}

type assignmentItem struct {
	PK        string    `dynamodbav:"pk"`
	SK        string    `dynamodbav:"sk"`
	HostID    string    `dynamodbav:"hostId"`
	ChannelID string    `dynamodbav:"channelId"`
	CreatedAt time.Time `dynamodbav:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updatedAt"`
}

type sessionItem struct {
	PK            string             `dynamodbav:"pk"`
	SK            string             `dynamodbav:"sk"`
	GSI1PK        string             `dynamodbav:"gsi1pk"`
	GSI1SK        string             `dynamodbav:"gsi1sk"`
	ID            string             `dynamodbav:"id"`
	HostID        string             `dynamodbav:"hostId"`
	ShowID        string             `dynamodbav:"showId"`
	Status        string             `dynamodbav:"status"`
	ChannelID     string             `dynamodbav:"channelId"`
	ChannelHandle string             `dynamodbav:"channelHandle"`
	RawStage      string             `dynamodbav:"rawStage,omitempty"`
	ProgramStage  string             `dynamodbav:"programStage,omitempty"`
	RelayChannel  string             `dynamodbav:"relayChannel,omitempty"`
	Composition   string             `dynamodbav:"composition,omitempty"`
	Controller    string             `dynamodbav:"controller,omitempty"`
	ActiveSource  string             `dynamodbav:"activeVideoSource"`
	AudioLevels   map[string]float64 `dynamodbav:"audioLevels"`
	CreatedAt     time.Time          `dynamodbav:"createdAt"`
	UpdatedAt     time.Time          `dynamodbav:"updatedAt"`
	EndedAt       *time.Time         `dynamodbav:"endedAt,omitempty"`
	Version       int64              `dynamodbav:"version"`
}

type showItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	ID string `dynamodbav:"id"`
}

func channelKey(id string) string { return "CHANNEL#" + id }
func hostKey(id string) string    { return "HOST#" + id }
func sessionKey(id string) string { return "SESSION#" + id }
func showKey(id string) string    { return "SHOW#" + id }

func channelStateKey(s orchestrator.ChannelState) string { return "CHANNEL_STATE#" + string(s) }
func sessionStatusKey(s orchestrator.SessionStatus) string {
	return "SESSION_STATUS#" + string(s)
}

func key(pk, sk string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"pk": {S: aws.String(pk)},
		"sk": {S: aws.String(sk)},
	}
}

// GetChannel implements orchestrator.Store.
func (s *Store) GetChannel(ctx context.Context, id string) (*orchestrator.PersistentChannel, error) {
	var item channelItem
	if err := s.get(ctx, channelKey(id), metaSK, &item); err != nil {
		return nil, oops.Wrapf(err, "channel %s", id)
	}
	return item.toChannel(), nil
}

// PutChannel implements orchestrator.Store.
func (s *Store) PutChannel(ctx context.Context, ch *orchestrator.PersistentChannel, expectVersion int64) (*orchestrator.PersistentChannel, error) {
	next := ch.Clone()
	next.Version = expectVersion + 1
	item := channelItem{
		PK:               channelKey(next.ID),
		SK:               metaSK,
		GSI1PK:           channelStateKey(next.State),
		GSI1SK:           next.ID,
		ID:               next.ID,
		Handle:           next.Handle,
		Name:             next.Name,
		State:            string(next.State),
		CurrentSessionID: next.CurrentSessionID,
		SessionCount:     next.Usage.SessionCount,
		LiveSeconds:      next.Usage.LiveSeconds,
		LastStartedAt:    next.Usage.LastStartedAt,
		LastEndedAt:      next.Usage.LastEndedAt,
		CreatedAt:        next.CreatedAt,
		UpdatedAt:        next.UpdatedAt,
		Version:          next.Version,
	}
	if err := s.putVersioned(ctx, item, expectVersion); err != nil {
		return nil, oops.Wrapf(err, "put channel %s", next.ID)
	}
	return next, nil
}

// ListChannels implements orchestrator.Store. The pool is small, so a
// filtered scan is acceptable.
func (s *Store) ListChannels(ctx context.Context) ([]*orchestrator.PersistentChannel, error) {
	var out []*orchestrator.PersistentChannel
	var decodeErr error
	err := s.db.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String("begins_with(pk, :p) AND sk = :sk"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{":p": {S: aws.String("CHANNEL#")}, ":sk": {S: aws.String(metaSK)}},
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		var items []channelItem
		if decodeErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &items); decodeErr != nil {
			return false
		}
		for i := range items {
			out = append(out, items[i].toChannel())
		}
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, oops.Wrapf(err, "list channels")
	}
	return out, nil
}

// ListChannelsByState implements orchestrator.Store.
func (s *Store) ListChannelsByState(ctx context.Context, state orchestrator.ChannelState) ([]*orchestrator.PersistentChannel, error) {
	var items []channelItem
	if err := s.queryIndex(ctx, channelStateKey(state), &items); err != nil {
		return nil, oops.Wrapf(err, "list %s channels", state)
	}
	out := make([]*orchestrator.PersistentChannel, 0, len(items))
	for i := range items {
		out = append(out, items[i].toChannel())
	}
	return out, nil
}

// GetAssignment implements orchestrator.Store.
func (s *Store) GetAssignment(ctx context.Context, hostID string) (*orchestrator.ChannelAssignment, error) {
	var item assignmentItem
	if err := s.get(ctx, hostKey(hostID), assignmentSK, &item); err != nil {
		return nil, oops.Wrapf(err, "assignment for host %s", hostID)
	}
	return &orchestrator.ChannelAssignment{
		HostID:    item.HostID,
		ChannelID: item.ChannelID,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}, nil
}

// PutAssignment implements orchestrator.Store.
func (s *Store) PutAssignment(ctx context.Context, a *orchestrator.ChannelAssignment) error {
	av, err := dynamodbattribute.MarshalMap(assignmentItem{
		PK:        hostKey(a.HostID),
		SK:        assignmentSK,
		HostID:    a.HostID,
		ChannelID: a.ChannelID,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	})
	if err != nil {
		return oops.Wrapf(err, "marshal assignment")
	}
	_, err = s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av})
	return oops.Wrapf(err, "put assignment for host %s", a.HostID)
}

// DeleteAssignment implements orchestrator.Store.
func (s *Store) DeleteAssignment(ctx context.Context, hostID string) error {
	_, err := s.db.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       key(hostKey(hostID), assignmentSK),
	})
	return oops.Wrapf(err, "delete assignment for host %s", hostID)
}

// GetSession implements orchestrator.Store.
func (s *Store) GetSession(ctx context.Context, id string) (*orchestrator.LiveSession, error) {
	var item sessionItem
	if err := s.get(ctx, sessionKey(id), metaSK, &item); err != nil {
		return nil, oops.Wrapf(err, "session %s", id)
	}
	return item.toSession()
}

// PutSession implements orchestrator.Store.
func (s *Store) PutSession(ctx context.Context, ls *orchestrator.LiveSession, expectVersion int64) (*orchestrator.LiveSession, error) {
	next := ls.Clone()
	next.Version = expectVersion + 1
	res := next.Resources
	item := sessionItem{
		PK:            sessionKey(next.ID),
		SK:            metaSK,
		GSI1PK:        sessionStatusKey(next.Status),
		GSI1SK:        next.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID:            next.ID,
		HostID:        next.HostID,
		ShowID:        next.ShowID,
		Status:        string(next.Status),
		ChannelID:     res.ChannelID,
		ChannelHandle: res.ChannelHandle,
		RawStage:      res.RawStage,
		ProgramStage:  res.ProgramStage,
		RelayChannel:  res.RelayChannel,
		Composition:   res.Composition,
		Controller:    res.Controller,
		ActiveSource:  next.ProgramState.ActiveVideoSource.String(),
		AudioLevels:   next.ProgramState.AudioLevels,
		CreatedAt:     next.CreatedAt,
		UpdatedAt:     next.UpdatedAt,
		EndedAt:       next.EndedAt,
		Version:       next.Version,
	}
	if err := s.putVersioned(ctx, item, expectVersion); err != nil {
		return nil, oops.Wrapf(err, "put session %s", next.ID)
	}
	return next, nil
}

// ListSessionsByStatus implements orchestrator.Store.
func (s *Store) ListSessionsByStatus(ctx context.Context, status orchestrator.SessionStatus) ([]*orchestrator.LiveSession, error) {
	var items []sessionItem
	if err := s.queryIndex(ctx, sessionStatusKey(status), &items); err != nil {
		return nil, oops.Wrapf(err, "list %s sessions", status)
	}
	out := make([]*orchestrator.LiveSession, 0, len(items))
	for i := range items {
		ls, err := items[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, nil
}

// PutShow implements orchestrator.ShowRegistry.
func (s *Store) PutShow(ctx context.Context, showID string) error {
	av, err := dynamodbattribute.MarshalMap(showItem{PK: showKey(showID), SK: metaSK, ID: showID})
	if err != nil {
		return oops.Wrapf(err, "marshal show")
	}
	_, err = s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av})
	return oops.Wrapf(err, "put show %s", showID)
}

// ShowExists implements orchestrator.ShowCatalog.
func (s *Store) ShowExists(ctx context.Context, showID string) (bool, error) {
	var item showItem
	err := s.get(ctx, showKey(showID), metaSK, &item)
	if errors.Is(err, orchestrator.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, oops.Wrapf(err, "show %s", showID)
	}
	return true, nil
}

func (s *Store) get(ctx context.Context, pk, sk string, out any) error {
	res, err := s.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return err
	}
	if len(res.Item) == 0 {
		return orchestrator.ErrNotFound
	}
	return dynamodbattribute.UnmarshalMap(res.Item, out)
}

// putVersioned writes item if the stored version equals expect, or if no
// record exists when expect is 0.
func (s *Store) putVersioned(ctx context.Context, item any, expect int64) error {
	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return oops.Wrapf(err, "marshal item")
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}
	if expect == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		in.ConditionExpression = aws.String("#v = :v")
		in.ExpressionAttributeNames = map[string]*string{"#v": aws.String("version")}
		in.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":v": {N: aws.String(strconv.FormatInt(expect, 10))},
		}
	}
	_, err = s.db.PutItemWithContext(ctx, in)
	if isConditionFailed(err) {
		return orchestrator.ErrVersionMismatch
	}
	return err
}

func (s *Store) queryIndex(ctx context.Context, pk string, out any) error {
	var all []map[string]*dynamodb.AttributeValue
	err := s.db.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(IndexName),
		KeyConditionExpression:    aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{":pk": {S: aws.String(pk)}},
	}, func(page *dynamodb.QueryOutput, _ bool) bool {
		all = append(all, page.Items...)
		return true
	})
	if err != nil {
		return err
	}
	return dynamodbattribute.UnmarshalListOfMaps(all, out)
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

func (it *channelItem) toChannel() *orchestrator.PersistentChannel {
	return &orchestrator.PersistentChannel{
		ID:               it.ID,
		Handle:           it.Handle,
		Name:             it.Name,
		State:            orchestrator.ChannelState(it.State),
		CurrentSessionID: it.CurrentSessionID,
		Usage: orchestrator.ChannelUsage{
			SessionCount:  it.SessionCount,
			LiveSeconds:   it.LiveSeconds,
			LastStartedAt: it.LastStartedAt,
			LastEndedAt:   it.LastEndedAt,
		},
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
		Version:   it.Version,
	}
}

func (it *sessionItem) toSession() (*orchestrator.LiveSession, error) {
	src, err := orchestrator.ParseSource(it.ActiveSource)
	if err != nil {
		return nil, oops.Errorf("session %s has a corrupt active source: %v", it.ID, err)
	}
	levels := it.AudioLevels
	if levels == nil {
		levels = map[string]float64{}
	}
	return &orchestrator.LiveSession{
		ID:     it.ID,
		HostID: it.HostID,
		ShowID: it.ShowID,
		Status: orchestrator.SessionStatus(it.Status),
		Resources: orchestrator.ResourceBundle{
			ChannelID:     it.ChannelID,
			ChannelHandle: it.ChannelHandle,
			RawStage:      it.RawStage,
			ProgramStage:  it.ProgramStage,
			RelayChannel:  it.RelayChannel,
			Composition:   it.Composition,
			Controller:    it.Controller,
		},
		ProgramState: orchestrator.ProgramState{ActiveVideoSource: src, AudioLevels: levels},
		CreatedAt:    it.CreatedAt,
		UpdatedAt:    it.UpdatedAt,
		EndedAt:      it.EndedAt,
		Version:      it.Version,
	}, nil
}
