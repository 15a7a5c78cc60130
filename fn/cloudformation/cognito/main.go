package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	cognito "github.com/aws/aws-sdk-go/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go/service/cognitoidentityprovider/cognitoidentityprovideriface"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"go.smartmachine.io/crhelper/pkg/crhelper"
	"go.smartmachine.io/crhelper/pkg/util"
)

// CloudFront Hosted Zone ID: https://docs.aws.amazon.com/general/latest/gr/rande.html#cf_region
const cloudFrontHostedZoneID = "Z2FDTNDATAQYW2"

type properties struct {
	CertificateArn   string
	AuthDomain       string
	BaseDomain       string
	UserPoolId       string
	UserPoolClientId string
	CallbackUrl      string
	LogoutUrl        string
}

func readProperties(req *crhelper.Request) (*properties, error) {
	props := &properties{
		CertificateArn:   req.Property("CertificateArn"),
		AuthDomain:       req.Property("AuthDomain"),
		BaseDomain:       req.Property("BaseDomain"),
		UserPoolId:       req.Property("UserPoolId"),
		UserPoolClientId: req.Property("UserPoolClientId"),
		CallbackUrl:      req.Property("CallbackUrl"),
		LogoutUrl:        req.Property("LogoutUrl"),
	}
	for _, field := range structs.Fields(props) {
		if field.IsZero() {
			return nil, util.NewError(fmt.Sprintf("missing property %s", field.Name()), 400)
		}
	}
	return props, nil
}

// createdProperties returns the properties of a domain that create actually
// set up. A failed create leaves incomplete properties or a generated
// physical id, and then there is nothing to remove.
func createdProperties(req *crhelper.Request) (*properties, bool) {
	id := req.PhysicalResourceID()
	props, err := readProperties(req)
	if err != nil || id != props.UserPoolClientId {
		req.Log.Infow("nothing to delete, create never succeeded", "PhysicalResourceId", id, "Error", err)
		return nil, false
	}
	return props, true
}

// cognitoDomain attaches a custom domain to a Cognito user pool, points
// the domain's alias record at it and configures the pool client's OAuth
// flows. The domain takes several minutes to become active, so create and
// delete finish in their poll stages.
type cognitoDomain struct {
	cognito cognitoidentityprovideriface.CognitoIdentityProviderAPI
	route53 route53iface.Route53API
}

func (c *cognitoDomain) create(ctx context.Context, req *crhelper.Request) (string, error) {
	log := req.Log
	props, err := readProperties(req)
	if err != nil {
		return "", err
	}

	createUserPoolDomainRequest := &cognito.CreateUserPoolDomainInput{
		CustomDomainConfig: &cognito.CustomDomainConfigType{
			CertificateArn: aws.String(props.CertificateArn),
		},
		Domain:     aws.String(props.AuthDomain),
		UserPoolId: aws.String(props.UserPoolId),
	}

	log.Infow("Cognito CreateUserPoolDomain Request", "Request", structs.Map(createUserPoolDomainRequest))

	createUserPoolDomainResponse, err := c.cognito.CreateUserPoolDomainWithContext(ctx, createUserPoolDomainRequest)
	if err != nil {
		util.LogAWSError(log, "Cognito CreateUserPoolDomain Error", err)
		return "", err
	}

	log.Infow("Cognito CreateUserPoolDomain Response", "Response", structs.Map(createUserPoolDomainResponse))

	if err := c.configureClient(ctx, req, props); err != nil {
		return "", err
	}
	return props.UserPoolClientId, nil
}

// pollCreate waits for the domain, then creates its alias record.
func (c *cognitoDomain) pollCreate(ctx context.Context, req *crhelper.Request) (string, error) {
	log := req.Log
	props, err := readProperties(req)
	if err != nil {
		return "", err
	}

	domain, err := c.describeDomain(ctx, req, props.AuthDomain)
	if err != nil {
		return "", err
	}
	if domain == nil {
		return "", errors.Errorf("user pool domain %s disappeared while being created", props.AuthDomain)
	}

	switch status := aws.StringValue(domain.Status); status {
	case cognito.DomainStatusTypeActive:
	case cognito.DomainStatusTypeFailed:
		return "", errors.Errorf("user pool domain %s failed to provision", props.AuthDomain)
	default:
		log.Infow("user pool domain not active yet", "Domain", props.AuthDomain, "Status", status)
		return "", nil
	}

	changeInfo, err := c.changeAliasRecord(ctx, req, props, route53.ChangeActionUpsert, domain.CloudFrontDistribution)
	if err != nil {
		return "", err
	}

	req.Data["CloudFrontDomain"] = aws.StringValue(domain.CloudFrontDistribution)
	req.Data["RecordChangeStatus"] = aws.StringValue(changeInfo.Status)
	req.Data["RecordChangeComment"] = aws.StringValue(changeInfo.Comment)
	return req.PhysicalResourceID(), nil
}

func (c *cognitoDomain) update(ctx context.Context, req *crhelper.Request) (string, error) {
	props, err := readProperties(req)
	if err != nil {
		return "", err
	}

	if err := c.configureClient(ctx, req, props); err != nil {
		return "", err
	}

	req.Data["CloudFrontDomain"] = ""
	req.Data["RecordChangeStatus"] = ""
	req.Data["RecordChangeComment"] = ""
	return props.UserPoolClientId, nil
}

func (c *cognitoDomain) delete(ctx context.Context, req *crhelper.Request) (string, error) {
	log := req.Log
	props, ok := createdProperties(req)
	if !ok {
		return req.Event.PhysicalResourceID, nil
	}

	domain, err := c.describeDomain(ctx, req, props.AuthDomain)
	if err != nil {
		return "", err
	}

	if domain != nil && domain.CloudFrontDistribution != nil {
		if _, err := c.changeAliasRecord(ctx, req, props, route53.ChangeActionDelete, domain.CloudFrontDistribution); err != nil {
			if !util.IsAWSErrorCode(err, route53.ErrCodeInvalidChangeBatch) {
				return "", err
			}
			log.Warnw("alias record already removed", "Domain", props.AuthDomain)
		}
	}

	updateClientRequest := &cognito.UpdateUserPoolClientInput{
		UserPoolId:                      aws.String(props.UserPoolId),
		ClientId:                        aws.String(props.UserPoolClientId),
		RefreshTokenValidity:            aws.Int64(30),
		ExplicitAuthFlows:               []*string{},
		SupportedIdentityProviders:      []*string{},
		CallbackURLs:                    []*string{},
		LogoutURLs:                      []*string{},
		AllowedOAuthFlows:               []*string{},
		AllowedOAuthScopes:              []*string{},
		AllowedOAuthFlowsUserPoolClient: aws.Bool(false),
	}

	log.Infow("Cognito UpdateUserPoolClient Request", "Request", structs.Map(updateClientRequest))

	if _, err := c.cognito.UpdateUserPoolClientWithContext(ctx, updateClientRequest); err != nil {
		if !util.IsAWSErrorCode(err, cognito.ErrCodeResourceNotFoundException) {
			util.LogAWSError(log, "Cognito UpdateUserPoolClient Error", err)
			return "", err
		}
	}

	if domain == nil {
		return props.UserPoolClientId, nil
	}

	deleteUserPoolDomainRequest := &cognito.DeleteUserPoolDomainInput{
		Domain:     aws.String(props.AuthDomain),
		UserPoolId: aws.String(props.UserPoolId),
	}

	log.Infow("Cognito DeleteUserPoolDomain Request", "Request", structs.Map(deleteUserPoolDomainRequest))

	if _, err := c.cognito.DeleteUserPoolDomainWithContext(ctx, deleteUserPoolDomainRequest); err != nil {
		util.LogAWSError(log, "Cognito DeleteUserPoolDomain Error", err)
		return "", err
	}
	return props.UserPoolClientId, nil
}

// pollDelete finishes once Cognito no longer knows the domain.
func (c *cognitoDomain) pollDelete(ctx context.Context, req *crhelper.Request) (string, error) {
	props, ok := createdProperties(req)
	if !ok {
		return req.PhysicalResourceID(), nil
	}

	domain, err := c.describeDomain(ctx, req, props.AuthDomain)
	if err != nil {
		return "", err
	}
	if domain != nil {
		req.Log.Infow("user pool domain still present", "Domain", props.AuthDomain, "Status", aws.StringValue(domain.Status))
		return "", nil
	}
	return req.PhysicalResourceID(), nil
}

func (c *cognitoDomain) configureClient(ctx context.Context, req *crhelper.Request, props *properties) error {
	log := req.Log
	updateClientRequest := &cognito.UpdateUserPoolClientInput{
		UserPoolId:                      aws.String(props.UserPoolId),
		ClientId:                        aws.String(props.UserPoolClientId),
		RefreshTokenValidity:            aws.Int64(30),
		ExplicitAuthFlows:               []*string{aws.String(cognito.ExplicitAuthFlowsTypeAllowUserPasswordAuth), aws.String(cognito.ExplicitAuthFlowsTypeAllowRefreshTokenAuth)},
		SupportedIdentityProviders:      []*string{aws.String("COGNITO")},
		CallbackURLs:                    []*string{aws.String(props.CallbackUrl)},
		LogoutURLs:                      []*string{aws.String(props.LogoutUrl)},
		AllowedOAuthFlows:               []*string{aws.String(cognito.OAuthFlowTypeCode)},
		AllowedOAuthScopes:              []*string{aws.String("openid"), aws.String("email"), aws.String("profile")},
		AllowedOAuthFlowsUserPoolClient: aws.Bool(true),
	}

	log.Infow("Cognito UpdateUserPoolClient Request", "Request", structs.Map(updateClientRequest))

	updateClientResponse, err := c.cognito.UpdateUserPoolClientWithContext(ctx, updateClientRequest)
	if err != nil {
		util.LogAWSError(log, "Cognito UpdateUserPoolClient Error", err)
		return err
	}

	log.Infow("Cognito UpdateUserPoolClient Response", "Response", structs.Map(updateClientResponse))
	return nil
}

// describeDomain returns nil when the domain does not exist.
func (c *cognitoDomain) describeDomain(ctx context.Context, req *crhelper.Request, authDomain string) (*cognito.DomainDescriptionType, error) {
	describeUserPoolDomainRequest := &cognito.DescribeUserPoolDomainInput{
		Domain: aws.String(authDomain),
	}

	req.Log.Debugw("Cognito DescribeUserPoolDomain Request", "Request", structs.Map(describeUserPoolDomainRequest))

	describeUserPoolDomainResponse, err := c.cognito.DescribeUserPoolDomainWithContext(ctx, describeUserPoolDomainRequest)
	if err != nil {
		util.LogAWSError(req.Log, "Cognito DescribeUserPoolDomain Error", err)
		return nil, err
	}

	domain := describeUserPoolDomainResponse.DomainDescription
	if domain == nil || domain.Domain == nil {
		return nil, nil
	}
	return domain, nil
}

func (c *cognitoDomain) changeAliasRecord(ctx context.Context, req *crhelper.Request, props *properties, action string, target *string) (*route53.ChangeInfo, error) {
	log := req.Log
	zoneID, err := c.hostedZoneID(ctx, req, props.BaseDomain)
	if err != nil {
		return nil, err
	}

	changeResourceRecordRequest := &route53.ChangeResourceRecordSetsInput{
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{
				{
					Action: aws.String(action),
					ResourceRecordSet: &route53.ResourceRecordSet{
						Name: aws.String(props.AuthDomain),
						AliasTarget: &route53.AliasTarget{
							DNSName:              target,
							EvaluateTargetHealth: aws.Bool(false),
							HostedZoneId:         aws.String(cloudFrontHostedZoneID),
						},
						Type: aws.String(route53.RRTypeA),
					},
				},
			},
			Comment: aws.String("api domain for cognito"),
		},
		HostedZoneId: aws.String(zoneID),
	}

	log.Infow("Route53 ChangeResourceRecordSets Request", "Action", action, "Name", props.AuthDomain, "HostedZoneId", zoneID)

	changeResourceRecordResponse, err := c.route53.ChangeResourceRecordSetsWithContext(ctx, changeResourceRecordRequest)
	if err != nil {
		util.LogAWSError(log, "Route53 ChangeResourceRecordSets Error", err)
		return nil, err
	}

	log.Infow("Route53 ChangeResourceRecordSets Response", "Response", structs.Map(changeResourceRecordResponse.ChangeInfo))
	return changeResourceRecordResponse.ChangeInfo, nil
}

func (c *cognitoDomain) hostedZoneID(ctx context.Context, req *crhelper.Request, baseDomain string) (string, error) {
	listHostedZonesRequest := &route53.ListHostedZonesByNameInput{
		DNSName: aws.String(baseDomain + "."),
	}

	req.Log.Debugw("Route53 ListHostedZonesByName Request", "Request", structs.Map(listHostedZonesRequest))

	listHostedZonesResponse, err := c.route53.ListHostedZonesByNameWithContext(ctx, listHostedZonesRequest)
	if err != nil {
		util.LogAWSError(req.Log, "Route53 ListHostedZonesByName Error", err)
		return "", err
	}
	return extractZoneId(listHostedZonesResponse, baseDomain)
}

func extractZoneId(zones *route53.ListHostedZonesByNameOutput, domain string) (string, error) {
	for _, zone := range zones.HostedZones {
		if aws.StringValue(zone.Name) == domain+"." {
			return aws.StringValue(zone.Id), nil
		}
	}
	return "", errors.Errorf("unable to find HostedZone for domain %s", domain)
}

func main() {
	resource := crhelper.New()

	c := &cognitoDomain{}
	if sess, err := session.NewSession(); err != nil {
		resource.InitFailure(err)
	} else {
		c.cognito = cognito.New(sess)
		c.route53 = route53.New(sess)
	}

	resource.Create(c.create)
	resource.PollCreate(c.pollCreate)
	resource.Update(c.update)
	resource.Delete(c.delete)
	resource.PollDelete(c.pollDelete)

	lambda.Start(resource.Handle)
}
