package main

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	cognito "github.com/aws/aws-sdk-go/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go/service/cognitoidentityprovider/cognitoidentityprovideriface"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.smartmachine.io/crhelper/pkg/crhelper"
	"go.uber.org/zap"
)

type fakeCognito struct {
	cognitoidentityprovideriface.CognitoIdentityProviderAPI

	domain        *cognito.DomainDescriptionType
	createdDomain *cognito.CreateUserPoolDomainInput
	deletedDomain *cognito.DeleteUserPoolDomainInput
	clientUpdates []*cognito.UpdateUserPoolClientInput
}

func (f *fakeCognito) CreateUserPoolDomainWithContext(_ aws.Context, in *cognito.CreateUserPoolDomainInput, _ ...request.Option) (*cognito.CreateUserPoolDomainOutput, error) {
	f.createdDomain = in
	f.domain = &cognito.DomainDescriptionType{
		Domain: in.Domain,
		Status: aws.String(cognito.DomainStatusTypeCreating),
	}
	return &cognito.CreateUserPoolDomainOutput{CloudFrontDomain: aws.String("d111111abcdef8.cloudfront.net")}, nil
}

func (f *fakeCognito) DescribeUserPoolDomainWithContext(aws.Context, *cognito.DescribeUserPoolDomainInput, ...request.Option) (*cognito.DescribeUserPoolDomainOutput, error) {
	if f.domain == nil {
		return &cognito.DescribeUserPoolDomainOutput{DomainDescription: &cognito.DomainDescriptionType{}}, nil
	}
	return &cognito.DescribeUserPoolDomainOutput{DomainDescription: f.domain}, nil
}

func (f *fakeCognito) UpdateUserPoolClientWithContext(_ aws.Context, in *cognito.UpdateUserPoolClientInput, _ ...request.Option) (*cognito.UpdateUserPoolClientOutput, error) {
	f.clientUpdates = append(f.clientUpdates, in)
	return &cognito.UpdateUserPoolClientOutput{}, nil
}

func (f *fakeCognito) DeleteUserPoolDomainWithContext(_ aws.Context, in *cognito.DeleteUserPoolDomainInput, _ ...request.Option) (*cognito.DeleteUserPoolDomainOutput, error) {
	f.deletedDomain = in
	f.domain.Status = aws.String(cognito.DomainStatusTypeDeleting)
	return &cognito.DeleteUserPoolDomainOutput{}, nil
}

type fakeRoute53 struct {
	route53iface.Route53API

	changes []*route53.ChangeResourceRecordSetsInput
}

func (f *fakeRoute53) ListHostedZonesByNameWithContext(aws.Context, *route53.ListHostedZonesByNameInput, ...request.Option) (*route53.ListHostedZonesByNameOutput, error) {
	return &route53.ListHostedZonesByNameOutput{
		HostedZones: []*route53.HostedZone{
			{Name: aws.String("other.io."), Id: aws.String("/hostedzone/ZOTHER")},
			{Name: aws.String("awsci.io."), Id: aws.String("/hostedzone/ZAWSCI")},
		},
	}, nil
}

func (f *fakeRoute53) ChangeResourceRecordSetsWithContext(_ aws.Context, in *route53.ChangeResourceRecordSetsInput, _ ...request.Option) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.changes = append(f.changes, in)
	return &route53.ChangeResourceRecordSetsOutput{
		ChangeInfo: &route53.ChangeInfo{
			Status:  aws.String(route53.ChangeStatusPending),
			Comment: in.ChangeBatch.Comment,
		},
	}, nil
}

func newRequest(requestType cfn.RequestType) *crhelper.Request {
	e := &crhelper.Event{}
	e.RequestType = requestType
	e.ResourceProperties = map[string]interface{}{
		"CertificateArn":   "arn:aws:acm:us-east-1:123456789012:certificate/abc",
		"AuthDomain":       "auth.awsci.io",
		"BaseDomain":       "awsci.io",
		"UserPoolId":       "us-east-1_pool",
		"UserPoolClientId": "client-1",
		"CallbackUrl":      "https://awsci.io/callback",
		"LogoutUrl":        "https://awsci.io/logout",
	}
	return &crhelper.Request{Event: e, Data: map[string]interface{}{}, Log: zap.NewNop().Sugar()}
}

func TestCreateThenPoll(t *testing.T) {
	cog, r53 := &fakeCognito{}, &fakeRoute53{}
	c := &cognitoDomain{cognito: cog, route53: r53}

	req := newRequest(cfn.RequestCreate)
	id, err := c.create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id)
	assert.Equal(t, "auth.awsci.io", aws.StringValue(cog.createdDomain.Domain))
	require.Len(t, cog.clientUpdates, 1)
	assert.True(t, aws.BoolValue(cog.clientUpdates[0].AllowedOAuthFlowsUserPoolClient))

	// the helper hands the first stage's id to the poll stage
	poll := newRequest(cfn.RequestCreate)
	poll.Data["PhysicalResourceId"] = id

	id, err = c.pollCreate(context.Background(), poll)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, r53.changes)

	cog.domain.Status = aws.String(cognito.DomainStatusTypeActive)
	cog.domain.CloudFrontDistribution = aws.String("d111111abcdef8.cloudfront.net")

	id, err = c.pollCreate(context.Background(), poll)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id)

	require.Len(t, r53.changes, 1)
	change := r53.changes[0].ChangeBatch.Changes[0]
	assert.Equal(t, "/hostedzone/ZAWSCI", aws.StringValue(r53.changes[0].HostedZoneId))
	assert.Equal(t, route53.ChangeActionUpsert, aws.StringValue(change.Action))
	assert.Equal(t, "auth.awsci.io", aws.StringValue(change.ResourceRecordSet.Name))
	assert.Equal(t, cloudFrontHostedZoneID, aws.StringValue(change.ResourceRecordSet.AliasTarget.HostedZoneId))

	assert.Equal(t, "d111111abcdef8.cloudfront.net", poll.Data["CloudFrontDomain"])
	assert.Equal(t, route53.ChangeStatusPending, poll.Data["RecordChangeStatus"])
}

func TestPollCreateFailedDomain(t *testing.T) {
	cog := &fakeCognito{domain: &cognito.DomainDescriptionType{
		Domain: aws.String("auth.awsci.io"),
		Status: aws.String(cognito.DomainStatusTypeFailed),
	}}
	c := &cognitoDomain{cognito: cog, route53: &fakeRoute53{}}

	_, err := c.pollCreate(context.Background(), newRequest(cfn.RequestCreate))
	assert.EqualError(t, err, "user pool domain auth.awsci.io failed to provision")
}

func TestUpdate(t *testing.T) {
	cog := &fakeCognito{}
	c := &cognitoDomain{cognito: cog, route53: &fakeRoute53{}}

	req := newRequest(cfn.RequestUpdate)
	id, err := c.update(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id)
	require.Len(t, cog.clientUpdates, 1)
	assert.Equal(t, []string{"https://awsci.io/callback"}, aws.StringValueSlice(cog.clientUpdates[0].CallbackURLs))
	assert.Equal(t, "", req.Data["CloudFrontDomain"])
}

func TestDeleteThenPoll(t *testing.T) {
	cog := &fakeCognito{domain: &cognito.DomainDescriptionType{
		Domain:                 aws.String("auth.awsci.io"),
		Status:                 aws.String(cognito.DomainStatusTypeActive),
		CloudFrontDistribution: aws.String("d111111abcdef8.cloudfront.net"),
	}}
	r53 := &fakeRoute53{}
	c := &cognitoDomain{cognito: cog, route53: r53}

	req := newRequest(cfn.RequestDelete)
	req.Event.PhysicalResourceID = "client-1"
	id, err := c.delete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id)

	require.Len(t, r53.changes, 1)
	assert.Equal(t, route53.ChangeActionDelete, aws.StringValue(r53.changes[0].ChangeBatch.Changes[0].Action))
	require.Len(t, cog.clientUpdates, 1)
	assert.False(t, aws.BoolValue(cog.clientUpdates[0].AllowedOAuthFlowsUserPoolClient))
	assert.Equal(t, "auth.awsci.io", aws.StringValue(cog.deletedDomain.Domain))

	poll := newRequest(cfn.RequestDelete)
	poll.Event.PhysicalResourceID = "client-1"
	id, err = c.pollDelete(context.Background(), poll)
	require.NoError(t, err)
	assert.Empty(t, id)

	cog.domain = nil
	id, err = c.pollDelete(context.Background(), poll)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id)
}

func TestDeleteWithoutDomain(t *testing.T) {
	cog := &fakeCognito{}
	r53 := &fakeRoute53{}
	c := &cognitoDomain{cognito: cog, route53: r53}

	req := newRequest(cfn.RequestDelete)
	req.Event.PhysicalResourceID = "client-1"
	_, err := c.delete(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, r53.changes)
	assert.Nil(t, cog.deletedDomain)
}

func TestRollbackAfterFailedCreate(t *testing.T) {
	cog, r53 := &fakeCognito{}, &fakeRoute53{}
	c := &cognitoDomain{cognito: cog, route53: r53}

	create := newRequest(cfn.RequestCreate)
	delete(create.Event.ResourceProperties, "AuthDomain")
	_, err := c.create(context.Background(), create)
	require.Error(t, err)

	// the rollback carries the same properties and the generated id
	rollback := newRequest(cfn.RequestDelete)
	delete(rollback.Event.ResourceProperties, "AuthDomain")
	rollback.Event.PhysicalResourceID = "my-stack_Domain_AbCdEfGh"

	id, err := c.delete(context.Background(), rollback)
	require.NoError(t, err)
	assert.Equal(t, "my-stack_Domain_AbCdEfGh", id)

	rollback.Data["PhysicalResourceId"] = id
	id, err = c.pollDelete(context.Background(), rollback)
	require.NoError(t, err)
	assert.Equal(t, "my-stack_Domain_AbCdEfGh", id)

	assert.Empty(t, r53.changes)
	assert.Empty(t, cog.clientUpdates)
	assert.Nil(t, cog.deletedDomain)
}

func TestDeleteSkipsGeneratedID(t *testing.T) {
	cog := &fakeCognito{}
	c := &cognitoDomain{cognito: cog, route53: &fakeRoute53{}}

	req := newRequest(cfn.RequestDelete)
	req.Event.PhysicalResourceID = "my-stack_Domain_AbCdEfGh"
	id, err := c.delete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "my-stack_Domain_AbCdEfGh", id)
	assert.Empty(t, cog.clientUpdates)
}

func TestMissingPropertyNamesFirstField(t *testing.T) {
	req := newRequest(cfn.RequestCreate)
	delete(req.Event.ResourceProperties, "LogoutUrl")
	delete(req.Event.ResourceProperties, "AuthDomain")
	delete(req.Event.ResourceProperties, "CertificateArn")

	for i := 0; i < 10; i++ {
		_, err := readProperties(req)
		assert.EqualError(t, err, "missing property CertificateArn")
	}
}

func TestMissingProperty(t *testing.T) {
	c := &cognitoDomain{cognito: &fakeCognito{}, route53: &fakeRoute53{}}
	req := newRequest(cfn.RequestCreate)
	delete(req.Event.ResourceProperties, "BaseDomain")

	_, err := c.create(context.Background(), req)
	assert.EqualError(t, err, "missing property BaseDomain")
}

func TestExtractZoneId(t *testing.T) {
	_, err := extractZoneId(&route53.ListHostedZonesByNameOutput{}, "awsci.io")
	assert.EqualError(t, err, "unable to find HostedZone for domain awsci.io")
}
